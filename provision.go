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
	"context"
	"encoding/json"
	"time"

	"github.com/mosaic-hq/provisio/config"
	"github.com/mosaic-hq/provisio/internal/apierror"
	"github.com/mosaic-hq/provisio/internal/idempotency"
	"github.com/mosaic-hq/provisio/model"
)

// ProvisionRequest asks for a project's record to be written into the
// analytical store. ExternalID is optional; when present it must match the
// identity minted at project creation.
type ProvisionRequest struct {
	ProjectID      string                 `json:"project_id"`
	ExternalID     string                 `json:"external_id,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
}

// ProvisionResult reports the outcome of a provisioning attempt. Exactly one
// of Success or Error is meaningful; InProgress marks a duplicate call that
// arrived while the first one was still running.
type ProvisionResult struct {
	Success    bool          `json:"success"`
	InProgress bool          `json:"in_progress,omitempty"`
	Status     string        `json:"status"`
	ExternalID string        `json:"external_id,omitempty"`
	Error      string        `json:"error,omitempty"`
	Retryable  *bool         `json:"retryable,omitempty"`
	RetryAfter time.Duration `json:"-"`
}

type provisionOutcomePayload struct {
	ExternalID string `json:"external_id"`
}

// Provision writes the project's record into the analytical store exactly
// once per idempotency key. The durable status record moves to syncing before
// the write and to synced or failed after it; duplicate calls replay the
// recorded outcome without touching the analytical store again.
func (p *Provisio) Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	if req.ProjectID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidRequest, "Project ID is required", nil)
	}
	if req.IdempotencyKey == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidRequest, "Idempotency key is required", nil)
	}

	project, err := p.datasource.GetProjectByID(req.ProjectID)
	if err != nil {
		return nil, err
	}
	if req.ExternalID != "" && req.ExternalID != project.ExternalID {
		return nil, apierror.NewAPIError(apierror.ErrInvalidRequest, "External ID does not match the project's analytical-store identity", req.ExternalID)
	}

	outcome, err := p.store.Execute(ctx, req.IdempotencyKey, p.provisionOperation(project, req.Payload))
	if err != nil {
		return nil, err
	}

	return p.resolveOutcome(ctx, project, outcome)
}

// provisionOperation builds the analytical-store write guarded by the
// idempotency key. Marking the record as syncing happens inside the guarded
// operation so replayed outcomes never disturb the durable status. The
// document is assembled from the durable record plus any caller-supplied
// attributes; caller attributes never override the record's identity fields.
func (p *Provisio) provisionOperation(project *model.Project, payload map[string]interface{}) idempotency.Operation {
	return func(ctx context.Context) (json.RawMessage, error) {
		if _, err := p.SetSyncStatus(ctx, project.ProjectID, model.SyncStatusSyncing, nil, ""); err != nil {
			return nil, err
		}

		attributes := make(map[string]interface{}, len(payload)+6)
		for k, v := range payload {
			attributes[k] = v
		}
		attributes["project_id"] = project.ProjectID
		attributes["name"] = project.Name
		attributes["owner_id"] = project.OwnerID
		attributes["sync_status"] = model.SyncStatusSynced
		attributes["created_at"] = project.CreatedAt
		attributes["meta_data"] = project.MetaData

		if err := p.analytics.UpsertRecord(ctx, project.ExternalID, attributes); err != nil {
			return nil, err
		}
		return json.Marshal(provisionOutcomePayload{ExternalID: project.ExternalID})
	}
}

// resolveOutcome folds the idempotency outcome back into the durable status
// record and shapes the caller-facing result.
func (p *Provisio) resolveOutcome(ctx context.Context, project *model.Project, outcome *idempotency.Outcome) (*ProvisionResult, error) {
	if outcome.InProgress() {
		return &ProvisionResult{
			InProgress: true,
			Status:     model.SyncStatusSyncing,
			ExternalID: project.ExternalID,
			RetryAfter: retryAfterHint(),
		}, nil
	}

	if opErr := outcome.Err(); opErr != nil {
		errMsg := outcome.ErrMessage
		// A replayed failure never ran the operation again, so the durable
		// record keeps its retry count instead of incrementing it.
		if !outcome.Replayed {
			if _, err := p.SetSyncStatus(ctx, project.ProjectID, model.SyncStatusFailed, &errMsg, ""); err != nil {
				return nil, err
			}
		}
		retryable := apierror.IsRetryable(opErr)
		result := &ProvisionResult{
			Status:     model.SyncStatusFailed,
			ExternalID: project.ExternalID,
			Error:      errMsg,
			Retryable:  &retryable,
		}
		if retryable {
			result.RetryAfter = retryAfterHint()
		}
		return result, nil
	}

	// A replayed success already committed the synced transition when the
	// operation first ran; writing it again would re-fire the synced webhook
	// on every duplicate call.
	if !outcome.Replayed {
		if _, err := p.SetSyncStatus(ctx, project.ProjectID, model.SyncStatusSynced, nil, ""); err != nil {
			return nil, err
		}
	}

	var payload provisionOutcomePayload
	if len(outcome.Result) > 0 {
		if err := json.Unmarshal(outcome.Result, &payload); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to decode recorded outcome", err)
		}
	}
	externalID := payload.ExternalID
	if externalID == "" {
		externalID = project.ExternalID
	}

	return &ProvisionResult{
		Success:    true,
		Status:     model.SyncStatusSynced,
		ExternalID: externalID,
	}, nil
}

// retryAfterHint tells a throttled or failed caller how long to wait before
// a retry can reach the operation again.
func retryAfterHint() time.Duration {
	conf, err := config.Fetch()
	if err != nil || conf.Provisioning.CooldownSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(conf.Provisioning.CooldownSec) * time.Second
}
