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
	"fmt"
	"time"

	"github.com/mosaic-hq/provisio/internal/apierror"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idempotency:"

// RedisStore implements Store on top of Redis so multiple server instances
// share one idempotency space. The processing marker is claimed with SetNX,
// which gives the same atomic check-then-act the MemoryStore mutex provides;
// freshness, cooldown and TTL are expressed as key expirations, so no sweeper
// is needed.
type RedisStore struct {
	client redis.UniversalClient
	opts   Options
}

// NewRedisStore creates a RedisStore using the given client.
func NewRedisStore(client redis.UniversalClient, opts Options) *RedisStore {
	opts.applyDefaults()
	return &RedisStore{client: client, opts: opts}
}

func redisKey(key string) string {
	return fmt.Sprintf("%s%s", redisKeyPrefix, key)
}

// Execute runs op under key per the Store contract.
func (s *RedisStore) Execute(ctx context.Context, key string, op Operation) (*Outcome, error) {
	if key == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidRequest, "idempotency key is required", nil)
	}

	rec := &Outcome{Key: key, State: StateProcessing, CreatedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	// The processing marker expires after the TTL so a crashed instance cannot
	// block the key forever.
	claimed, err := s.client.SetNX(ctx, redisKey(key), data, s.opts.TTL).Result()
	if err != nil {
		return nil, err
	}

	if !claimed {
		stored, err := s.client.Get(ctx, redisKey(key)).Bytes()
		if err == redis.Nil {
			// The record expired between SetNX and Get; report in-progress and
			// let the caller retry rather than racing for the claim here.
			return &Outcome{Key: key, State: StateProcessing, CreatedAt: time.Now(), Replayed: true}, nil
		}
		if err != nil {
			return nil, err
		}
		var out Outcome
		if err := json.Unmarshal(stored, &out); err != nil {
			return nil, err
		}
		out.Replayed = true
		return &out, nil
	}

	// The op and the outcome write both run detached from the caller's
	// context: once the claim is taken, a caller hanging up must not stop
	// the outcome from being recorded, or the processing marker would block
	// every retry until the TTL expires.
	detached := context.WithoutCancel(ctx)
	result, opErr := op(detached)

	var window time.Duration
	if opErr != nil {
		rec.State = StateFailed
		rec.ErrCode = apierror.CodeOf(opErr)
		rec.ErrMessage = opErr.Error()
		window = s.opts.CooldownWindow
	} else {
		rec.State = StateCompleted
		rec.Result = result
		window = s.opts.FreshnessWindow
	}
	rec.CreatedAt = time.Now()

	data, err = json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	// Letting the key expire at the end of its window is what permits a retry
	// after cooldown and a re-execution after freshness.
	if err := s.client.Set(detached, redisKey(key), data, window).Err(); err != nil {
		return nil, err
	}

	return rec, nil
}
