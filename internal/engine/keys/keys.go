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

// Package keys produces the canonical Redis key names for every queue and
// concurrency construct used by the run engine. Tenant coordinates are
// embedded into the key path so a single SCAN pattern recovers all queues
// for a tenant, and so concurrency counters can be derived from their
// owning queue key without re-reading state.
package keys

import (
	"fmt"
	"strings"
)

// EnvironmentType distinguishes isolated development environments from
// deployed ones. Development environments get their own shared queue.
type EnvironmentType string

const (
	EnvironmentTypeDevelopment EnvironmentType = "DEVELOPMENT"
	EnvironmentTypeStaging     EnvironmentType = "STAGING"
	EnvironmentTypePreview     EnvironmentType = "PREVIEW"
	EnvironmentTypeProduction  EnvironmentType = "PRODUCTION"
)

// Env identifies a tenant environment.
type Env struct {
	OrganizationID string
	ProjectID      string
	EnvironmentID  string
	Type           EnvironmentType
}

// Queue identifies a named queue within an environment, optionally
// partitioned by a concurrency key.
type Queue struct {
	Env            Env
	Name           string
	ConcurrencyKey string
}

const (
	currentConcurrencySuffix = ":currentConcurrency"
	concurrencyLimitSuffix   = ":concurrency"
	sharedQueueSuffix        = ":sharedQueue"
	queueSegment             = ":queue:"
	ckSegment                = ":ck:"
)

// Producer builds key strings under a fixed prefix.
type Producer struct {
	prefix string
}

// NewProducer creates a key producer. The prefix is normalised to end
// with a colon.
func NewProducer(prefix string) *Producer {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &Producer{prefix: prefix}
}

// Prefix returns the normalised key prefix.
func (p *Producer) Prefix() string { return p.prefix }

// EnvKey returns the base key for an environment:
// {prefix}org:{o}:proj:{p}:envType:{t}:env:{e}
func (p *Producer) EnvKey(env Env) string {
	return fmt.Sprintf("%sorg:%s:proj:%s:envType:%s:env:%s",
		p.prefix, env.OrganizationID, env.ProjectID, env.Type, env.EnvironmentID)
}

// QueueKey returns the sorted-set key holding a queue's message ids:
// {envKey}:queue:{q}[:ck:{k}]
func (p *Producer) QueueKey(q Queue) string {
	key := p.EnvKey(q.Env) + queueSegment + q.Name
	if q.ConcurrencyKey != "" {
		key += ckSegment + q.ConcurrencyKey
	}
	return key
}

// QueueCurrentConcurrencyKey returns the set of in-flight message ids for
// a queue.
func (p *Producer) QueueCurrentConcurrencyKey(q Queue) string {
	return p.QueueKey(q) + currentConcurrencySuffix
}

// QueueConcurrencyLimitKey returns the scalar limit key for a queue.
// The limit applies to the named queue as a whole, so any concurrency-key
// partition shares it.
func (p *Producer) QueueConcurrencyLimitKey(q Queue) string {
	base := Queue{Env: q.Env, Name: q.Name}
	return p.QueueKey(base) + concurrencyLimitSuffix
}

// EnvCurrentConcurrencyKey returns the set of in-flight message ids for
// an environment.
func (p *Producer) EnvCurrentConcurrencyKey(env Env) string {
	return p.EnvKey(env) + currentConcurrencySuffix
}

// EnvConcurrencyLimitKey returns the scalar limit key for an environment.
func (p *Producer) EnvConcurrencyLimitKey(env Env) string {
	return p.EnvKey(env) + concurrencyLimitSuffix
}

// TaskCurrentConcurrencyKey returns the set of in-flight message ids for
// a task identifier, across all queues.
func (p *Producer) TaskCurrentConcurrencyKey(taskIdentifier string) string {
	return p.prefix + "task:" + taskIdentifier + currentConcurrencySuffix
}

// TaskConcurrencyLimitKey returns the scalar limit key for a task
// identifier.
func (p *Producer) TaskConcurrencyLimitKey(taskIdentifier string) string {
	return p.prefix + "task:" + taskIdentifier + concurrencyLimitSuffix
}

// MessageKey returns the key holding a message body by id.
func (p *Producer) MessageKey(messageID string) string {
	return p.prefix + "message:" + messageID
}

// MessageKeyPrefix returns the prefix message ids are appended to, for
// use inside server-side scripts.
func (p *Producer) MessageKeyPrefix() string {
	return p.prefix + "message:"
}

// MasterQueueKey returns the sorted set indexing queues under a master
// queue, scored by their earliest available message.
func (p *Producer) MasterQueueKey(name string) string {
	return p.prefix + name
}

// SharedQueueName returns the master-queue name for an environment.
// DEVELOPMENT environments are isolated; all other environments share a
// single queue.
func SharedQueueName(env Env) string {
	if env.Type == EnvironmentTypeDevelopment {
		return fmt.Sprintf("org:%s:proj:%s:envType:%s:env:%s%s",
			env.OrganizationID, env.ProjectID, env.Type, env.EnvironmentID, sharedQueueSuffix)
	}
	return "sharedQueue"
}

// InFlightKey returns the set of message ids held by a consumer.
func (p *Producer) InFlightKey(consumerID string) string {
	return p.prefix + "consumer:" + consumerID + ":inflight"
}

// WorkerScheduledKey returns the delayed-job timer sorted set.
func (p *Producer) WorkerScheduledKey() string {
	return p.prefix + "worker:scheduled"
}

// WorkerJobsKey returns the hash holding delayed-job bodies by id.
func (p *Producer) WorkerJobsKey() string {
	return p.prefix + "worker:jobs"
}

// RunLockKey returns the distributed-lock key for a run.
func (p *Producer) RunLockKey(runID string) string {
	return p.prefix + "lock:run:" + runID
}

// EnvKeyFromQueue derives the environment base key from a queue key by
// stripping the queue segment. Returns an error when the key does not
// contain one.
func EnvKeyFromQueue(queueKey string) (string, error) {
	idx := strings.Index(queueKey, queueSegment)
	if idx < 0 {
		return "", fmt.Errorf("not a queue key: %q", queueKey)
	}
	return queueKey[:idx], nil
}

// QueueFromKey parses a queue key back into its descriptor. The prefix
// must match the producer's.
func (p *Producer) QueueFromKey(queueKey string) (Queue, error) {
	if !strings.HasPrefix(queueKey, p.prefix) {
		return Queue{}, fmt.Errorf("queue key %q lacks prefix %q", queueKey, p.prefix)
	}
	rest := strings.TrimPrefix(queueKey, p.prefix)
	parts := strings.Split(rest, ":")
	// org:{o}:proj:{p}:envType:{t}:env:{e}:queue:{q}[:ck:{k}]
	if len(parts) < 10 || parts[0] != "org" || parts[2] != "proj" || parts[4] != "envType" || parts[6] != "env" || parts[8] != "queue" {
		return Queue{}, fmt.Errorf("malformed queue key: %q", queueKey)
	}
	q := Queue{
		Env: Env{
			OrganizationID: parts[1],
			ProjectID:      parts[3],
			Type:           EnvironmentType(parts[5]),
			EnvironmentID:  parts[7],
		},
		Name: parts[9],
	}
	if len(parts) >= 12 && parts[10] == "ck" {
		q.ConcurrencyKey = parts[11]
	}
	return q, nil
}
