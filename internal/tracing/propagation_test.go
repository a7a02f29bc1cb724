// Copyright 2025 The trigger-dev Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

const sampleTraceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

func TestCaptureTraceparentRoundTrip(t *testing.T) {
	ctx := ContextWithTraceparent(context.Background(), sampleTraceparent)

	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		t.Fatal("extracted span context is invalid")
	}
	if sc.TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("TraceID = %s", sc.TraceID())
	}

	if got := CaptureTraceparent(ctx); got != sampleTraceparent {
		t.Errorf("CaptureTraceparent() = %q, want %q", got, sampleTraceparent)
	}
}

func TestCaptureTraceparentEmptyContext(t *testing.T) {
	if got := CaptureTraceparent(context.Background()); got != "" {
		t.Errorf("CaptureTraceparent() = %q, want empty", got)
	}
}

func TestContextWithTraceparentEmpty(t *testing.T) {
	ctx := context.Background()
	if got := ContextWithTraceparent(ctx, ""); got != ctx {
		t.Error("empty traceparent must return the original context")
	}
}

func TestContextWithTraceparentMalformed(t *testing.T) {
	ctx := ContextWithTraceparent(context.Background(), "not-a-traceparent")
	if trace.SpanContextFromContext(ctx).IsValid() {
		t.Error("malformed traceparent must not yield a valid span context")
	}
}
