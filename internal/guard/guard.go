package guard

import (
	"context"
	"fmt"
	"sync"
)

// ErrAlreadyRunning is returned when a caller tries to acquire a key that
// another caller in the same process already holds.
var ErrAlreadyRunning = fmt.Errorf("operation already running")

// Registry tracks in-process guard locks keyed by operation key. At most one
// holder exists per key at any time; a lock is released on completion, failure
// or teardown of the holder, never left dangling.
type Registry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{held: make(map[string]struct{})}
}

// TryAcquire attempts to take the lock for key without waiting. On success it
// returns a release func that is safe to call more than once. Concurrent
// callers get ErrAlreadyRunning; they must not assume the first caller's
// eventual result.
func (r *Registry) TryAcquire(key string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.held[key]; ok {
		return nil, fmt.Errorf("%w for key %s", ErrAlreadyRunning, key)
	}
	r.held[key] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.held, key)
			r.mu.Unlock()
		})
	}
	return release, nil
}

// Held reports whether key is currently locked.
func (r *Registry) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[key]
	return ok
}

// Do runs fn while holding the lock for key. The release is scoped here, so
// every exit path, including panics and context cancellation, gives the lock
// back. If the context is already cancelled fn is not invoked.
func (r *Registry) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	release, err := r.TryAcquire(key)
	if err != nil {
		return err
	}
	defer release()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}
