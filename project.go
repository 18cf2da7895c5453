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
	"fmt"

	"github.com/mosaic-hq/provisio/config"
	"github.com/mosaic-hq/provisio/internal/apierror"
	"github.com/mosaic-hq/provisio/internal/notification"
	"github.com/mosaic-hq/provisio/model"
)

func (p *Provisio) postProjectActions(_ context.Context, project *model.Project) {
	go func() {
		err := SendWebhook(NewWebhook{
			Event:   EventProjectCreated,
			Payload: project,
		})
		if err != nil {
			notification.NotifyError(err)
		}
	}()
}

// CreateProject persists a new project record. The record starts in the
// pending sync status with a freshly minted analytical-store identity.
func (p *Provisio) CreateProject(project model.Project) (model.Project, error) {
	project, err := p.datasource.CreateProject(project)
	if err != nil {
		return model.Project{}, err
	}
	p.postProjectActions(context.Background(), &project)
	return project, nil
}

func (p *Provisio) GetAllProjects(limit, offset int) ([]model.Project, error) {
	return p.datasource.GetAllProjects(limit, offset)
}

func (p *Provisio) GetProjectByID(id string) (*model.Project, error) {
	return p.datasource.GetProjectByID(id)
}

func (p *Provisio) DeleteProject(id string) error {
	return p.datasource.DeleteProject(id)
}

// SetSyncStatus applies a durable status transition to a project record.
// An empty actor marks an internal call; any other actor must be the
// project's owner. Webhook notifications are fired after the transition
// commits and can never fail it.
func (p *Provisio) SetSyncStatus(ctx context.Context, projectID, status string, errMsg *string, actor string) (*model.Project, error) {
	if actor != "" {
		existing, err := p.datasource.GetProjectByID(projectID)
		if err != nil {
			return nil, err
		}
		if existing.OwnerID != actor {
			return nil, apierror.NewAPIError(apierror.ErrUnauthorized, "Actor does not own this project", actor)
		}
	}

	project, err := p.datasource.UpdateSyncStatus(ctx, projectID, status, errMsg)
	if err != nil {
		return nil, err
	}

	p.postSyncStatusActions(project)
	return project, nil
}

func (p *Provisio) postSyncStatusActions(project *model.Project) {
	switch project.SyncStatus {
	case model.SyncStatusSynced:
		go func() {
			if err := SendWebhook(NewWebhook{Event: EventProjectSynced, Payload: project}); err != nil {
				notification.NotifyError(err)
			}
		}()
	case model.SyncStatusFailed:
		threshold := escalationThreshold()
		go func() {
			if err := SendWebhook(NewWebhook{Event: EventProjectSyncFailed, Payload: project}); err != nil {
				notification.NotifyError(err)
			}
			if project.SyncRetryCount >= threshold {
				if err := SendWebhook(NewWebhook{Event: EventProjectSyncEscalated, Payload: project}); err != nil {
					notification.NotifyError(err)
				}
				notification.NotifyError(fmt.Errorf("project %s failed to sync %d times: %s", project.ProjectID, project.SyncRetryCount, syncErrorOf(project)))
			}
		}()
	}
}

func escalationThreshold() int {
	conf, err := config.Fetch()
	if err != nil {
		return 3
	}
	return conf.Provisioning.EscalationThreshold
}

func syncErrorOf(project *model.Project) string {
	if project.SyncError == nil {
		return "unknown error"
	}
	return *project.SyncError
}
