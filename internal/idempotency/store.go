/*
Copyright 2025 Mosaic HQ Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mosaic-hq/provisio/internal/apierror"
)

// State tracks the lifecycle of a single idempotency record.
type State string

const (
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Operation is the side effect guarded by an idempotency key. It runs at most
// once per key within the freshness window; its result or error is captured as
// the outcome replayed to duplicate callers.
type Operation func(ctx context.Context) (json.RawMessage, error)

// Outcome is the recorded result of executing an operation under a key.
// For State == StateFailed the error is carried as a structured code plus
// message, never re-derived from message text.
type Outcome struct {
	Key        string             `json:"key"`
	State      State              `json:"state"`
	Result     json.RawMessage    `json:"result,omitempty"`
	ErrCode    apierror.ErrorCode `json:"error_code,omitempty"`
	ErrMessage string             `json:"error_message,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`

	// Replayed marks an outcome served from the store instead of a fresh
	// execution. It is per-call metadata and never persisted.
	Replayed bool `json:"-"`
}

// InProgress reports whether this outcome signals that another call holding the
// same key is still running. Callers must surface this as a conflict, never as
// a silent success.
func (o *Outcome) InProgress() bool {
	return o.State == StateProcessing
}

// Err reconstructs the stored failure as an APIError, or returns nil for
// non-failed outcomes.
func (o *Outcome) Err() error {
	if o.State != StateFailed {
		return nil
	}
	return apierror.APIError{Code: o.ErrCode, Message: o.ErrMessage}
}

// Store deduplicates concurrent and repeated executions of the same logical
// operation. Implementations guarantee that while a record for a key is in
// StateProcessing no second call with that key reaches the operation, and that
// completed and failed outcomes are replayed within their freshness and
// cooldown windows respectively.
//
// Key derivation is the caller's responsibility; the store is agnostic to key
// semantics. The in-memory implementation is correct for a single server
// instance only; RedisStore provides the same contract across instances.
type Store interface {
	Execute(ctx context.Context, key string, op Operation) (*Outcome, error)
}
