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
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mosaic-hq/provisio/internal/apierror"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, Options{
		FreshnessWindow: 5 * time.Minute,
		CooldownWindow:  30 * time.Second,
		TTL:             10 * time.Minute,
	})
	return store, mr
}

func TestRedisStore_ExecuteAndReplay(t *testing.T) {
	store, _ := newTestRedisStore(t)
	var calls int32
	op := func(ctx context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return json.RawMessage(`{"ok":true}`), nil
	}

	first, err := store.Execute(context.Background(), "key-1", op)
	assert.NoError(t, err)
	assert.Equal(t, StateCompleted, first.State)

	second, err := store.Execute(context.Background(), "key-1", op)
	assert.NoError(t, err)
	assert.Equal(t, StateCompleted, second.State)
	assert.JSONEq(t, `{"ok":true}`, string(second.Result))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRedisStore_FailureReplayedWithinCooldown(t *testing.T) {
	store, _ := newTestRedisStore(t)
	var calls int32
	op := func(ctx context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return nil, apierror.NewAPIError(apierror.ErrDownstreamPermanent, "record already exists", nil)
	}

	first, err := store.Execute(context.Background(), "key-1", op)
	assert.NoError(t, err)
	assert.Equal(t, StateFailed, first.State)

	second, err := store.Execute(context.Background(), "key-1", op)
	assert.NoError(t, err)
	assert.Equal(t, StateFailed, second.State)
	assert.Equal(t, apierror.ErrDownstreamPermanent, second.ErrCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRedisStore_CooldownExpiryAllowsRetry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	var calls int32
	op := func(ctx context.Context) (json.RawMessage, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, apierror.NewAPIError(apierror.ErrDownstreamTransient, "timeout", nil)
		}
		return json.RawMessage(`{"ok":true}`), nil
	}

	first, err := store.Execute(context.Background(), "key-1", op)
	assert.NoError(t, err)
	assert.Equal(t, StateFailed, first.State)

	mr.FastForward(31 * time.Second)

	second, err := store.Execute(context.Background(), "key-1", op)
	assert.NoError(t, err)
	assert.Equal(t, StateCompleted, second.State)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRedisStore_SurvivesCallerCancellation(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	out, err := store.Execute(ctx, "key-1", func(opCtx context.Context) (json.RawMessage, error) {
		// Simulates the triggering surface being torn down mid-flight.
		cancel()
		assert.NoError(t, opCtx.Err(), "operation must be detached from caller cancellation")
		return json.RawMessage(`{"ok":true}`), nil
	})

	assert.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)

	// A later retry with the same key replays the recorded outcome instead of
	// observing a stuck processing marker.
	replay, err := store.Execute(context.Background(), "key-1", func(ctx context.Context) (json.RawMessage, error) {
		t.Fatal("operation must not run again")
		return nil, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, StateCompleted, replay.State)
	assert.JSONEq(t, `{"ok":true}`, string(replay.Result))
}

func TestRedisStore_ProcessingMarkerBlocksSecondCaller(t *testing.T) {
	store, _ := newTestRedisStore(t)

	// Simulate another instance holding the claim.
	rec := &Outcome{Key: "key-1", State: StateProcessing, CreatedAt: time.Now()}
	data, err := json.Marshal(rec)
	assert.NoError(t, err)
	assert.NoError(t, store.client.Set(context.Background(), redisKey("key-1"), data, time.Minute).Err())

	out, err := store.Execute(context.Background(), "key-1", func(ctx context.Context) (json.RawMessage, error) {
		t.Fatal("operation must not run while another holder is processing")
		return nil, nil
	})
	assert.NoError(t, err)
	assert.True(t, out.InProgress())
}
