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

package database

import (
	"context"

	"github.com/mosaic-hq/provisio/model"
)

// IDataSource defines the interface for data source operations.
type IDataSource interface {
	project
}

// project defines methods for handling projects and their durable sync status.
type project interface {
	CreateProject(project model.Project) (model.Project, error)                                 // Creates a new project with a freshly minted external ID and pending status
	GetProjectByID(id string) (*model.Project, error)                                           // Retrieves a project by ID
	GetAllProjects(limit, offset int) ([]model.Project, error)                                  // Retrieves all projects
	UpdateSyncStatus(ctx context.Context, id, status string, errMsg *string) (*model.Project, error) // Applies one status transition in a single statement
	DeleteProject(id string) error                                                              // Deletes a project
}
