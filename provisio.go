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

package provisio

import (
	"embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mosaic-hq/provisio/analytics"
	"github.com/mosaic-hq/provisio/config"
	"github.com/mosaic-hq/provisio/database"
	"github.com/mosaic-hq/provisio/internal/idempotency"
	redis_db "github.com/mosaic-hq/provisio/internal/redis-db"
)

// Provisio represents the main struct for the Provisio application.
type Provisio struct {
	datasource database.IDataSource
	analytics  analytics.Store
	store      idempotency.Store
	redis      redis.UniversalClient
}

//go:embed sql/*.sql
var SQLFiles embed.FS

// NewProvisio initializes a new instance of Provisio with the provided database datasource.
// It fetches the configuration, initializes the Redis client, the idempotency store and
// the analytical store client.
func NewProvisio(db database.IDataSource) (*Provisio, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)})
	if err != nil {
		return nil, err
	}

	opts := idempotency.Options{
		FreshnessWindow: time.Duration(configuration.Provisioning.FreshnessWindowSec) * time.Second,
		CooldownWindow:  time.Duration(configuration.Provisioning.CooldownSec) * time.Second,
		TTL:             time.Duration(configuration.Provisioning.TTLSec) * time.Second,
		SweepInterval:   time.Duration(configuration.Provisioning.SweepIntervalSec) * time.Second,
	}
	var store idempotency.Store
	if configuration.Provisioning.UseRedisStore {
		store = idempotency.NewRedisStore(redisClient.Client(), opts)
	} else {
		memStore := idempotency.NewMemoryStore(opts)
		memStore.StartSweeper()
		store = memStore
	}

	newAnalytics := analytics.NewTypesenseStore(
		configuration.Analytics.ApiKey,
		configuration.Analytics.Dns,
		configuration.Analytics.Collection,
	)

	newProvisio := &Provisio{
		datasource: db,
		analytics:  newAnalytics,
		store:      store,
		redis:      redisClient.Client(),
	}
	return newProvisio, nil
}

// NewProvisioWithComponents assembles a Provisio from preconstructed parts.
// Embedders that manage their own clients, and tests, use this instead of
// NewProvisio.
func NewProvisioWithComponents(db database.IDataSource, store idempotency.Store, analyticalStore analytics.Store) *Provisio {
	return &Provisio{
		datasource: db,
		store:      store,
		analytics:  analyticalStore,
	}
}
