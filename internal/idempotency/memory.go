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
	"sync"
	"time"

	"github.com/mosaic-hq/provisio/internal/apierror"
)

const (
	DefaultFreshnessWindow = 5 * time.Minute
	DefaultCooldownWindow  = 30 * time.Second
	DefaultTTL             = 10 * time.Minute
	DefaultSweepInterval   = time.Minute
)

// Options tunes the windows of a MemoryStore. Zero values fall back to the
// package defaults.
type Options struct {
	// FreshnessWindow is how long a completed outcome is replayed instead of
	// re-running the operation.
	FreshnessWindow time.Duration
	// CooldownWindow is how long a failed outcome blocks re-execution.
	CooldownWindow time.Duration
	// TTL bounds the lifetime of any record regardless of state; the sweeper
	// deletes older records to cap memory growth.
	TTL time.Duration
	// SweepInterval is how often the background sweeper runs.
	SweepInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.FreshnessWindow <= 0 {
		o.FreshnessWindow = DefaultFreshnessWindow
	}
	if o.CooldownWindow <= 0 {
		o.CooldownWindow = DefaultCooldownWindow
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
}

// MemoryStore is a process-local Store backed by a synchronized map. All
// check-then-act decisions for a key happen under the store mutex, so two
// calls bearing the same key can never both reach the operation. The
// operation itself runs outside the lock.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Outcome
	opts    Options

	sweepOnce sync.Once
	stopSweep chan struct{}

	now func() time.Time
}

// NewMemoryStore creates a MemoryStore. The TTL sweeper is not started until
// StartSweeper is called, so tests can instantiate isolated instances without
// background goroutines.
func NewMemoryStore(opts Options) *MemoryStore {
	opts.applyDefaults()
	return &MemoryStore{
		records:   make(map[string]*Outcome),
		opts:      opts,
		stopSweep: make(chan struct{}),
		now:       time.Now,
	}
}

// Execute runs op under key per the Store contract. Operation errors never
// escape unhandled: they are captured into the failed outcome and also
// returned via Outcome.Err so callers can classify them.
func (s *MemoryStore) Execute(ctx context.Context, key string, op Operation) (*Outcome, error) {
	if key == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidRequest, "idempotency key is required", nil)
	}

	s.mu.Lock()
	if rec, ok := s.records[key]; ok {
		age := s.now().Sub(rec.CreatedAt)
		switch rec.State {
		case StateProcessing:
			out := *rec
			out.Replayed = true
			s.mu.Unlock()
			return &out, nil
		case StateCompleted:
			if age < s.opts.FreshnessWindow {
				out := *rec
				out.Replayed = true
				s.mu.Unlock()
				return &out, nil
			}
			delete(s.records, key)
		case StateFailed:
			if age < s.opts.CooldownWindow {
				out := *rec
				out.Replayed = true
				s.mu.Unlock()
				return &out, nil
			}
			// Cooldown expired: forget the failure and retry.
			delete(s.records, key)
		}
	}

	rec := &Outcome{Key: key, State: StateProcessing, CreatedAt: s.now()}
	s.records[key] = rec
	s.mu.Unlock()

	// The operation is detached from the caller's cancellation: once a request
	// has reached the store the side effect runs to completion and its outcome
	// is recorded, so a later retry with the same key observes completed or
	// failed rather than re-running.
	result, err := op(context.WithoutCancel(ctx))

	s.mu.Lock()
	if err != nil {
		rec.State = StateFailed
		rec.ErrCode = apierror.CodeOf(err)
		rec.ErrMessage = err.Error()
	} else {
		rec.State = StateCompleted
		rec.Result = result
	}
	rec.CreatedAt = s.now()
	// Re-insert in case the sweeper dropped the processing record while the
	// operation was running.
	s.records[key] = rec
	out := *rec
	s.mu.Unlock()

	return &out, nil
}

// StartSweeper launches the background TTL sweep. Safe to call once; use
// StopSweeper to shut it down.
func (s *MemoryStore) StartSweeper() {
	s.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(s.opts.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.sweep()
				case <-s.stopSweep:
					return
				}
			}
		}()
	})
}

// StopSweeper stops the background sweep goroutine.
func (s *MemoryStore) StopSweeper() {
	select {
	case <-s.stopSweep:
	default:
		close(s.stopSweep)
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.opts.TTL)
	for key, rec := range s.records {
		// Dropped regardless of state: a processing record past the TTL means
		// its owner died mid-flight and must not block the key forever.
		if rec.CreatedAt.Before(cutoff) {
			delete(s.records, key)
		}
	}
}

// Len reports the number of live records, for tests and introspection.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
