package httputil

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, 200, map[string]string{"ok": "yes"})

	if rec.Code != 200 {
		t.Errorf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), `"ok":"yes"`) {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestWriteErrorCode(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorCode(rec, 409, "SNAPSHOT_STALE", "snapshot is not the latest")

	if rec.Code != 409 {
		t.Errorf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "SNAPSHOT_STALE") || !strings.Contains(body, "snapshot is not the latest") {
		t.Errorf("body = %q", body)
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"bogus":1}`))
	var dst struct {
		Known string `json:"known"`
	}
	if err := DecodeJSON(req, &dst); err == nil {
		t.Error("expected error for unknown field")
	}
}
