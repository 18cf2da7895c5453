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
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/lib/pq"
	"github.com/mosaic-hq/provisio/internal/apierror"
	"github.com/mosaic-hq/provisio/model"
	"github.com/stretchr/testify/assert"
)

var projectColumns = []string{"project_id", "external_id", "name", "owner_id", "sync_status", "sync_error", "sync_retry_count", "created_at"}

type mockCache struct {
	data map[string][]byte
}

func newMockCache() *mockCache {
	return &mockCache{data: make(map[string][]byte)}
}

func (m *mockCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.data[key] = b
	return nil
}

func (m *mockCache) Get(_ context.Context, key string, data interface{}) error {
	b, ok := m.data[key]
	if !ok {
		return nil
	}
	return json.Unmarshal(b, data)
}

func (m *mockCache) Delete(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func TestCreateProject_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	project := model.Project{
		Name:    "Test Project",
		OwnerID: "usr_1",
		MetaData: map[string]interface{}{
			"key": "value",
		},
	}

	metaDataJSON, err := json.Marshal(project.MetaData)
	assert.NoError(t, err)

	mock.ExpectExec("INSERT INTO projects").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), project.Name, project.OwnerID, model.SyncStatusPending, 0, metaDataJSON).
		WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := ds.CreateProject(project)
	assert.NoError(t, err)
	assert.Contains(t, created.ProjectID, "prj_")
	assert.Contains(t, created.ExternalID, "anx_")
	assert.Equal(t, model.SyncStatusPending, created.SyncStatus)
	assert.Equal(t, 0, created.SyncRetryCount)
	assert.WithinDuration(t, time.Now(), created.CreatedAt, time.Second)
}

func TestCreateProject_UniqueViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	project := model.Project{Name: "Test Project", OwnerID: "usr_1"}
	metaDataJSON, err := json.Marshal(project.MetaData)
	assert.NoError(t, err)

	mock.ExpectExec("INSERT INTO projects").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), project.Name, project.OwnerID, model.SyncStatusPending, 0, metaDataJSON).
		WillReturnError(&pq.Error{Code: "23505", Message: "unique_violation"})

	_, err = ds.CreateProject(project)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
}

func TestGetProjectByID_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	metaDataJSON, err := json.Marshal(map[string]interface{}{"key": "value"})
	assert.NoError(t, err)

	row := sqlmock.NewRows(append(projectColumns, "meta_data")).
		AddRow("prj_1", "anx_1", "Project 1", "usr_1", model.SyncStatusPending, nil, 0, time.Now(), metaDataJSON)

	mock.ExpectQuery("SELECT project_id, external_id, name, owner_id, sync_status, sync_error, sync_retry_count, created_at, meta_data FROM projects WHERE project_id = ?").
		WithArgs("prj_1").
		WillReturnRows(row)

	project, err := ds.GetProjectByID("prj_1")
	assert.NoError(t, err)
	assert.Equal(t, "Project 1", project.Name)
	assert.Equal(t, model.SyncStatusPending, project.SyncStatus)
}

func TestGetProjectByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT project_id, external_id, name, owner_id, sync_status, sync_error, sync_retry_count, created_at, meta_data FROM projects WHERE project_id = ?").
		WithArgs("prj_missing").
		WillReturnError(sql.ErrNoRows)

	_, err = ds.GetProjectByID("prj_missing")
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestGetAllProjects(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	mc := newMockCache()
	ds := Datasource{Conn: db, Cache: mc}

	metaDataJSON, err := json.Marshal(map[string]interface{}{"key": "value"})
	assert.NoError(t, err)

	rows := sqlmock.NewRows(append(projectColumns, "meta_data")).
		AddRow("prj_2", "anx_2", "Project 2", "usr_1", model.SyncStatusSynced, nil, 0, time.Now(), metaDataJSON).
		AddRow("prj_1", "anx_1", "Project 1", "usr_1", model.SyncStatusPending, nil, 0, time.Now(), metaDataJSON)

	mock.ExpectQuery("SELECT project_id, external_id, name, owner_id, sync_status, sync_error, sync_retry_count, created_at, meta_data FROM projects ORDER BY created_at DESC LIMIT (.+) OFFSET (.+)").
		WithArgs(10, 0).
		WillReturnRows(rows)

	projects, err := ds.GetAllProjects(10, 0)
	assert.NoError(t, err)
	assert.Len(t, projects, 2)
	assert.Equal(t, "prj_2", projects[0].ProjectID)

	// second call is served from the cache without another query
	cached, err := ds.GetAllProjects(10, 0)
	assert.NoError(t, err)
	assert.Len(t, cached, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSyncStatus_Syncing(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	row := sqlmock.NewRows(projectColumns).
		AddRow("prj_1", "anx_1", "Project 1", "usr_1", model.SyncStatusSyncing, nil, 0, time.Now())

	mock.ExpectQuery("UPDATE projects SET sync_status = (.+) WHERE project_id = (.+) RETURNING").
		WithArgs("prj_1", model.SyncStatusSyncing).
		WillReturnRows(row)

	project, err := ds.UpdateSyncStatus(context.Background(), "prj_1", model.SyncStatusSyncing, nil)
	assert.NoError(t, err)
	assert.Equal(t, model.SyncStatusSyncing, project.SyncStatus)
}

func TestUpdateSyncStatus_SyncedResetsCounters(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	row := sqlmock.NewRows(projectColumns).
		AddRow("prj_1", "anx_1", "Project 1", "usr_1", model.SyncStatusSynced, nil, 0, time.Now())

	mock.ExpectQuery("UPDATE projects SET sync_status = (.+), sync_error = NULL, sync_retry_count = 0 WHERE project_id = (.+) RETURNING").
		WithArgs("prj_1", model.SyncStatusSynced).
		WillReturnRows(row)

	project, err := ds.UpdateSyncStatus(context.Background(), "prj_1", model.SyncStatusSynced, nil)
	assert.NoError(t, err)
	assert.Equal(t, model.SyncStatusSynced, project.SyncStatus)
	assert.Nil(t, project.SyncError)
	assert.Equal(t, 0, project.SyncRetryCount)
}

func TestUpdateSyncStatus_FailedIncrementsRetryCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	errMsg := "analytics store timed out"
	row := sqlmock.NewRows(projectColumns).
		AddRow("prj_1", "anx_1", "Project 1", "usr_1", model.SyncStatusFailed, errMsg, 1, time.Now())

	mock.ExpectQuery("UPDATE projects SET sync_status = (.+), sync_error = (.+), sync_retry_count = sync_retry_count (.+) 1 WHERE project_id = (.+) RETURNING").
		WithArgs("prj_1", model.SyncStatusFailed, errMsg).
		WillReturnRows(row)

	project, err := ds.UpdateSyncStatus(context.Background(), "prj_1", model.SyncStatusFailed, &errMsg)
	assert.NoError(t, err)
	assert.Equal(t, model.SyncStatusFailed, project.SyncStatus)
	assert.Equal(t, errMsg, *project.SyncError)
	assert.Equal(t, 1, project.SyncRetryCount)
}

func TestUpdateSyncStatus_InvalidStatus(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	_, err = ds.UpdateSyncStatus(context.Background(), "prj_1", "unknown", nil)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInvalidRequest, apiErr.Code)
}

func TestUpdateSyncStatus_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("UPDATE projects SET sync_status = (.+) WHERE project_id = (.+) RETURNING").
		WithArgs("prj_missing", model.SyncStatusSyncing).
		WillReturnError(sql.ErrNoRows)

	_, err = ds.UpdateSyncStatus(context.Background(), "prj_missing", model.SyncStatusSyncing, nil)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestDeleteProject_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("DELETE FROM projects WHERE project_id = ?").
		WithArgs("prj_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.DeleteProject("prj_1")
	assert.NoError(t, err)
}

func TestDeleteProject_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("DELETE FROM projects WHERE project_id = ?").
		WithArgs("prj_missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.DeleteProject("prj_missing")
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}
