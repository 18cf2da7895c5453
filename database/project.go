package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/mosaic-hq/provisio/internal/apierror"
	"github.com/mosaic-hq/provisio/model"
)

func (d Datasource) CreateProject(project model.Project) (model.Project, error) {
	metaDataJSON, err := json.Marshal(project.MetaData)
	if err != nil {
		return model.Project{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	project.ProjectID = model.GenerateUUIDWithSuffix("prj")
	// The analytics-store identity is minted exactly once here and never
	// regenerated, so a duplicate provisioning call can only ever upsert the
	// same downstream record.
	project.ExternalID = model.GenerateUUIDWithSuffix("anx")
	project.SyncStatus = model.SyncStatusPending
	project.SyncRetryCount = 0
	project.CreatedAt = time.Now()

	_, err = d.Conn.Exec(`
		INSERT INTO projects (project_id, external_id, name, owner_id, sync_status, sync_retry_count, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, project.ProjectID, project.ExternalID, project.Name, project.OwnerID, project.SyncStatus, project.SyncRetryCount, metaDataJSON)

	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok {
			switch pqErr.Code.Name() {
			case "unique_violation":
				return model.Project{}, apierror.NewAPIError(apierror.ErrConflict, "Project with this ID already exists", err)
			default:
				return model.Project{}, apierror.NewAPIError(apierror.ErrInternalServer, "Database error occurred", err)
			}
		}
		return model.Project{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create project", err)
	}

	return project, nil
}

func (d Datasource) GetProjectByID(id string) (*model.Project, error) {
	project := model.Project{}

	row := d.Conn.QueryRow(`
		SELECT project_id, external_id, name, owner_id, sync_status, sync_error, sync_retry_count, created_at, meta_data
		FROM projects
		WHERE project_id = $1
	`, id)

	var metaDataJSON []byte
	err := row.Scan(&project.ProjectID, &project.ExternalID, &project.Name, &project.OwnerID, &project.SyncStatus, &project.SyncError, &project.SyncRetryCount, &project.CreatedAt, &metaDataJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Project not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve project", err)
	}

	err = json.Unmarshal(metaDataJSON, &project.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
	}

	return &project, nil
}

func (d Datasource) GetAllProjects(limit, offset int) ([]model.Project, error) {
	ctx := context.Background()
	cacheKey := fmt.Sprintf("projects:paginated:%d:%d", limit, offset)

	var projects []model.Project
	if d.Cache != nil {
		err := d.Cache.Get(ctx, cacheKey, &projects)
		if err == nil && len(projects) > 0 {
			return projects, nil
		}
	}

	rows, err := d.Conn.Query(`
		SELECT project_id, external_id, name, owner_id, sync_status, sync_error, sync_retry_count, created_at, meta_data
		FROM projects
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve projects", err)
	}
	defer rows.Close()

	projects = []model.Project{}

	for rows.Next() {
		project := model.Project{}
		var metaDataJSON []byte
		err = rows.Scan(&project.ProjectID, &project.ExternalID, &project.Name, &project.OwnerID, &project.SyncStatus, &project.SyncError, &project.SyncRetryCount, &project.CreatedAt, &metaDataJSON)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan project data", err)
		}

		err = json.Unmarshal(metaDataJSON, &project.MetaData)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
		}

		projects = append(projects, project)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over projects", err)
	}

	if d.Cache != nil && len(projects) > 0 {
		if err = d.Cache.Set(ctx, cacheKey, projects, 5*time.Minute); err != nil {
			log.Printf("Failed to cache projects: %v", err)
		}
	}

	return projects, nil
}

// UpdateSyncStatus applies one durable status transition. Each transition is a
// single UPDATE so the record never has partially applied fields:
//   - syncing only marks in-flight and is idempotent
//   - synced clears the error and resets the retry count
//   - failed records the error and increments the retry count
func (d Datasource) UpdateSyncStatus(ctx context.Context, id, status string, errMsg *string) (*model.Project, error) {
	if !model.IsValidSyncStatus(status) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidRequest, "Invalid sync status", status)
	}

	var row *sql.Row
	switch status {
	case model.SyncStatusSynced:
		row = d.Conn.QueryRowContext(ctx, `
			UPDATE projects
			SET sync_status = $2, sync_error = NULL, sync_retry_count = 0
			WHERE project_id = $1
			RETURNING project_id, external_id, name, owner_id, sync_status, sync_error, sync_retry_count, created_at
		`, id, status)
	case model.SyncStatusFailed:
		row = d.Conn.QueryRowContext(ctx, `
			UPDATE projects
			SET sync_status = $2, sync_error = $3, sync_retry_count = sync_retry_count + 1
			WHERE project_id = $1
			RETURNING project_id, external_id, name, owner_id, sync_status, sync_error, sync_retry_count, created_at
		`, id, status, errMsg)
	default:
		row = d.Conn.QueryRowContext(ctx, `
			UPDATE projects
			SET sync_status = $2
			WHERE project_id = $1
			RETURNING project_id, external_id, name, owner_id, sync_status, sync_error, sync_retry_count, created_at
		`, id, status)
	}

	project := model.Project{}
	err := row.Scan(&project.ProjectID, &project.ExternalID, &project.Name, &project.OwnerID, &project.SyncStatus, &project.SyncError, &project.SyncRetryCount, &project.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Project not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update sync status", err)
	}

	return &project, nil
}

func (d Datasource) DeleteProject(id string) error {
	result, err := d.Conn.Exec(`DELETE FROM projects WHERE project_id = $1`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete project", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete project", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Project not found", nil)
	}
	return nil
}
