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

package analytics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/typesense/typesense-go/typesense"
	"github.com/typesense/typesense-go/typesense/api"

	"github.com/mosaic-hq/provisio/internal/apierror"
)

// Store writes provisioning records into the analytical store. Upserts are
// keyed by the record's external ID, so applying the same record twice leaves
// a single document behind.
type Store interface {
	UpsertRecord(ctx context.Context, externalID string, attributes map[string]interface{}) error
	EnsureCollectionExists(ctx context.Context) error
}

// TypesenseStore is the Typesense-backed analytical store.
type TypesenseStore struct {
	Client     *typesense.Client
	Collection string
}

// NewTypesenseStore initializes and returns a new Typesense-backed store.
func NewTypesenseStore(apiKey string, host string, collection string) *TypesenseStore {
	client := typesense.NewClient(
		typesense.WithServer(host),
		typesense.WithAPIKey(apiKey),
		typesense.WithConnectionTimeout(5*time.Second),
		typesense.WithCircuitBreakerMaxRequests(50),
		typesense.WithCircuitBreakerInterval(2*time.Minute),
		typesense.WithCircuitBreakerTimeout(1*time.Minute),
	)
	return &TypesenseStore{Client: client, Collection: collection}
}

// EnsureCollectionExists creates the projects collection if it is missing.
func (t *TypesenseStore) EnsureCollectionExists(ctx context.Context) error {
	_, err := t.Client.Collections().Create(ctx, t.getProjectSchema())
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return errors.Wrapf(err, "failed to create collection %s", t.Collection)
	}
	return nil
}

// UpsertRecord writes a single project record into the analytical store. The
// document ID is the project's external ID so repeated calls for the same
// project overwrite one document instead of accumulating duplicates.
func (t *TypesenseStore) UpsertRecord(ctx context.Context, externalID string, attributes map[string]interface{}) error {
	if externalID == "" {
		return apierror.NewAPIError(apierror.ErrInvalidRequest, "External ID is required", nil)
	}

	data := make(map[string]interface{}, len(attributes)+2)
	for k, v := range attributes {
		data[k] = v
	}
	data["id"] = externalID
	data["external_id"] = externalID

	t.normalizeTimeField(data, "created_at")
	t.normalizeMetadata(data)
	t.ensureSchemaFields(data)

	_, err := t.Client.Collection(t.Collection).Documents().Upsert(ctx, data)
	if err != nil {
		return classifyUpsertError(err)
	}
	return nil
}

// classifyUpsertError maps a Typesense failure onto the downstream error
// taxonomy. Conflict and permission failures will not resolve on retry;
// everything else (timeouts, 5xx, open circuit breaker) is transient.
func classifyUpsertError(err error) error {
	var httpErr *typesense.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.Status {
		case http.StatusConflict:
			return apierror.NewAPIError(apierror.ErrDownstreamPermanent, "Record already exists in analytical store", err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return apierror.NewAPIError(apierror.ErrDownstreamPermanent, "Permission denied by analytical store", err)
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return apierror.NewAPIError(apierror.ErrDownstreamPermanent, "Analytical store rejected the record", err)
		}
	}
	return apierror.NewAPIError(apierror.ErrDownstreamTransient, "Analytical store is unavailable", err)
}

func (t *TypesenseStore) normalizeTimeField(data map[string]interface{}, field string) {
	if fieldValue, ok := data[field]; ok {
		switch v := fieldValue.(type) {
		case time.Time:
			data[field] = v.Unix()
		case int64:
		default:
			data[field] = time.Now().Unix()
		}
	}
}

func (t *TypesenseStore) normalizeMetadata(data map[string]interface{}) {
	if metaData, ok := data["meta_data"]; ok && metaData == nil {
		data["meta_data"] = make(map[string]interface{})
	}
}

// ensureSchemaFields fills required schema fields that are absent so the
// upsert never fails on a missing field.
func (t *TypesenseStore) ensureSchemaFields(data map[string]interface{}) {
	for _, field := range t.getProjectSchema().Fields {
		if _, ok := data[field.Name]; ok {
			continue
		}
		if field.Optional != nil && *field.Optional {
			continue
		}
		switch field.Type {
		case "string":
			data[field.Name] = ""
		case "int32", "int64":
			data[field.Name] = int64(0)
		case "bool":
			data[field.Name] = false
		}
	}
}

// getProjectSchema returns the schema for the projects collection.
func (t *TypesenseStore) getProjectSchema() *api.CollectionSchema {
	facet := true
	sortBy := "created_at"
	enableNested := true
	return &api.CollectionSchema{
		Name: t.Collection,
		Fields: []api.Field{
			{Name: "project_id", Type: "string", Facet: &facet},
			{Name: "external_id", Type: "string", Facet: &facet},
			{Name: "name", Type: "string", Facet: &facet},
			{Name: "owner_id", Type: "string", Facet: &facet},
			{Name: "sync_status", Type: "string", Facet: &facet},
			{Name: "created_at", Type: "int64", Facet: &facet},
			{Name: "meta_data", Type: "object", Facet: &facet, Optional: &enableNested},
		},
		DefaultSortingField: &sortBy,
		EnableNestedFields:  &enableNested,
	}
}
