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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mosaic-hq/provisio/config"
	"github.com/mosaic-hq/provisio/internal/apierror"
	"github.com/mosaic-hq/provisio/internal/idempotency"
	"github.com/mosaic-hq/provisio/model"
)

// fakeDatasource keeps project records in memory with the same transition
// semantics as the Postgres datasource.
type fakeDatasource struct {
	mu           sync.Mutex
	projects     map[string]*model.Project
	statusWrites int
}

func newFakeDatasource(projects ...*model.Project) *fakeDatasource {
	ds := &fakeDatasource{projects: make(map[string]*model.Project)}
	for _, p := range projects {
		ds.projects[p.ProjectID] = p
	}
	return ds
}

func (f *fakeDatasource) CreateProject(project model.Project) (model.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	project.ProjectID = model.GenerateUUIDWithSuffix("prj")
	project.ExternalID = model.GenerateUUIDWithSuffix("anx")
	project.SyncStatus = model.SyncStatusPending
	project.CreatedAt = time.Now()
	f.projects[project.ProjectID] = &project
	return project, nil
}

func (f *fakeDatasource) GetProjectByID(id string) (*model.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "Project not found", id)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeDatasource) GetAllProjects(_, _ int) ([]model.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.Project{}
	for _, p := range f.projects {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeDatasource) UpdateSyncStatus(_ context.Context, id, status string, errMsg *string) (*model.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "Project not found", id)
	}
	f.statusWrites++
	switch status {
	case model.SyncStatusSynced:
		p.SyncStatus = status
		p.SyncError = nil
		p.SyncRetryCount = 0
	case model.SyncStatusFailed:
		p.SyncStatus = status
		p.SyncError = errMsg
		p.SyncRetryCount++
	default:
		p.SyncStatus = status
	}
	cp := *p
	return &cp, nil
}

func (f *fakeDatasource) statusWriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusWrites
}

func (f *fakeDatasource) DeleteProject(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[id]; !ok {
		return apierror.NewAPIError(apierror.ErrNotFound, "Project not found", id)
	}
	delete(f.projects, id)
	return nil
}

// fakeAnalytics records upserts and fails according to a scripted error
// sequence. A nil entry (or running past the script) means success.
type fakeAnalytics struct {
	mu      sync.Mutex
	calls   int
	errs    []error
	records map[string]map[string]interface{}
	entered chan struct{}
	release chan struct{}
}

func newFakeAnalytics(errs ...error) *fakeAnalytics {
	return &fakeAnalytics{errs: errs, records: make(map[string]map[string]interface{})}
}

func (f *fakeAnalytics) UpsertRecord(_ context.Context, externalID string, attributes map[string]interface{}) error {
	f.mu.Lock()
	call := f.calls
	f.calls++
	entered, release := f.entered, f.release
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		<-release
	}

	if call < len(f.errs) && f.errs[call] != nil {
		return f.errs[call]
	}

	f.mu.Lock()
	f.records[externalID] = attributes
	f.mu.Unlock()
	return nil
}

func (f *fakeAnalytics) EnsureCollectionExists(_ context.Context) error {
	return nil
}

func (f *fakeAnalytics) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestProvisio(t *testing.T, ds *fakeDatasource, store *fakeAnalytics, opts idempotency.Options) *Provisio {
	t.Helper()
	config.MockConfig(&config.Configuration{})
	return &Provisio{
		datasource: ds,
		analytics:  store,
		store:      idempotency.NewMemoryStore(opts),
	}
}

func pendingProject(id string) *model.Project {
	return &model.Project{
		ProjectID:  id,
		ExternalID: "anx_" + id,
		Name:       "Project " + id,
		OwnerID:    "usr_1",
		SyncStatus: model.SyncStatusPending,
		CreatedAt:  time.Now(),
	}
}

func TestProvision_SuccessFirstAttempt(t *testing.T) {
	ds := newFakeDatasource(pendingProject("p1"))
	store := newFakeAnalytics()
	p := newTestProvisio(t, ds, store, idempotency.Options{})

	result, err := p.Provision(context.Background(), ProvisionRequest{
		ProjectID:      "p1",
		IdempotencyKey: "provision:p1",
	})
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, model.SyncStatusSynced, result.Status)
	assert.Equal(t, "anx_p1", result.ExternalID)
	assert.Equal(t, 1, store.callCount())

	project, err := ds.GetProjectByID("p1")
	assert.NoError(t, err)
	assert.Equal(t, model.SyncStatusSynced, project.SyncStatus)
	assert.Equal(t, 0, project.SyncRetryCount)
	assert.Nil(t, project.SyncError)
}

func TestProvision_FailTwiceSucceedThird(t *testing.T) {
	transient := apierror.NewAPIError(apierror.ErrDownstreamTransient, "analytics store is unavailable", nil)
	ds := newFakeDatasource(pendingProject("p1"))
	store := newFakeAnalytics(transient, transient, nil)
	p := newTestProvisio(t, ds, store, idempotency.Options{CooldownWindow: time.Millisecond})

	req := ProvisionRequest{ProjectID: "p1", IdempotencyKey: "provision:p1"}

	for attempt := 1; attempt <= 2; attempt++ {
		result, err := p.Provision(context.Background(), req)
		assert.NoError(t, err)
		assert.False(t, result.Success)
		assert.NotNil(t, result.Retryable)
		assert.True(t, *result.Retryable)

		project, err := ds.GetProjectByID("p1")
		assert.NoError(t, err)
		assert.Equal(t, model.SyncStatusFailed, project.SyncStatus)
		assert.Equal(t, attempt, project.SyncRetryCount)

		// let the cooldown lapse so the next attempt re-executes
		time.Sleep(5 * time.Millisecond)
	}

	result, err := p.Provision(context.Background(), req)
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, store.callCount())

	project, err := ds.GetProjectByID("p1")
	assert.NoError(t, err)
	assert.Equal(t, model.SyncStatusSynced, project.SyncStatus)
	assert.Equal(t, 0, project.SyncRetryCount)
	assert.Nil(t, project.SyncError)
}

func TestProvision_PermanentFailureNotRetried(t *testing.T) {
	permanent := apierror.NewAPIError(apierror.ErrDownstreamPermanent, "Record already exists in analytical store", nil)
	ds := newFakeDatasource(pendingProject("p1"))
	store := newFakeAnalytics(permanent)
	p := newTestProvisio(t, ds, store, idempotency.Options{})

	req := ProvisionRequest{ProjectID: "p1", IdempotencyKey: "provision:p1"}

	result, err := p.Provision(context.Background(), req)
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotNil(t, result.Retryable)
	assert.False(t, *result.Retryable)

	// a duplicate call within the cooldown replays the failure without
	// touching the analytical store or the retry count
	replayed, err := p.Provision(context.Background(), req)
	assert.NoError(t, err)
	assert.False(t, replayed.Success)
	assert.Equal(t, result.Error, replayed.Error)
	assert.Equal(t, 1, store.callCount())

	project, err := ds.GetProjectByID("p1")
	assert.NoError(t, err)
	assert.Equal(t, model.SyncStatusFailed, project.SyncStatus)
	assert.Equal(t, 1, project.SyncRetryCount)
	assert.Equal(t, "Record already exists in analytical store", *project.SyncError)
}

func TestProvision_DoubleTriggerSingleWrite(t *testing.T) {
	ds := newFakeDatasource(pendingProject("p1"))
	store := newFakeAnalytics()
	store.entered = make(chan struct{}, 1)
	store.release = make(chan struct{})
	p := newTestProvisio(t, ds, store, idempotency.Options{})

	req := ProvisionRequest{ProjectID: "p1", IdempotencyKey: "provision:p1"}

	firstDone := make(chan *ProvisionResult, 1)
	go func() {
		result, err := p.Provision(context.Background(), req)
		assert.NoError(t, err)
		firstDone <- result
	}()

	// wait until the first call is inside the analytical-store write
	<-store.entered

	second, err := p.Provision(context.Background(), req)
	assert.NoError(t, err)
	assert.True(t, second.InProgress)
	assert.False(t, second.Success)
	assert.Equal(t, model.SyncStatusSyncing, second.Status)

	close(store.release)
	first := <-firstDone
	assert.True(t, first.Success)
	assert.Equal(t, 1, store.callCount())
}

func TestProvision_ReplayWithinFreshnessSkipsDownstream(t *testing.T) {
	ds := newFakeDatasource(pendingProject("p1"))
	store := newFakeAnalytics()
	p := newTestProvisio(t, ds, store, idempotency.Options{})

	req := ProvisionRequest{ProjectID: "p1", IdempotencyKey: "provision:p1"}

	first, err := p.Provision(context.Background(), req)
	assert.NoError(t, err)
	assert.True(t, first.Success)
	// syncing then synced
	assert.Equal(t, 2, ds.statusWriteCount())

	second, err := p.Provision(context.Background(), req)
	assert.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, model.SyncStatusSynced, second.Status)
	assert.Equal(t, first.ExternalID, second.ExternalID)
	assert.Equal(t, 1, store.callCount())
	// the replay leaves the durable record untouched
	assert.Equal(t, 2, ds.statusWriteCount())
}

func TestProvision_ExternalIDMismatch(t *testing.T) {
	ds := newFakeDatasource(pendingProject("p1"))
	p := newTestProvisio(t, ds, newFakeAnalytics(), idempotency.Options{})

	_, err := p.Provision(context.Background(), ProvisionRequest{
		ProjectID:      "p1",
		ExternalID:     "anx_other",
		IdempotencyKey: "provision:p1",
	})
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrInvalidRequest, apierror.CodeOf(err))
}

func TestProvision_UnknownProject(t *testing.T) {
	p := newTestProvisio(t, newFakeDatasource(), newFakeAnalytics(), idempotency.Options{})

	_, err := p.Provision(context.Background(), ProvisionRequest{
		ProjectID:      "p_missing",
		IdempotencyKey: "provision:p_missing",
	})
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrNotFound, apierror.CodeOf(err))
}

func TestProvision_MissingIdempotencyKey(t *testing.T) {
	ds := newFakeDatasource(pendingProject("p1"))
	p := newTestProvisio(t, ds, newFakeAnalytics(), idempotency.Options{})

	_, err := p.Provision(context.Background(), ProvisionRequest{ProjectID: "p1"})
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrInvalidRequest, apierror.CodeOf(err))
}

func TestSetSyncStatus_OwnershipEnforced(t *testing.T) {
	ds := newFakeDatasource(pendingProject("p1"))
	p := newTestProvisio(t, ds, newFakeAnalytics(), idempotency.Options{})

	_, err := p.SetSyncStatus(context.Background(), "p1", model.SyncStatusSyncing, nil, "usr_intruder")
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrUnauthorized, apierror.CodeOf(err))

	project, err := p.SetSyncStatus(context.Background(), "p1", model.SyncStatusSyncing, nil, "usr_1")
	assert.NoError(t, err)
	assert.Equal(t, model.SyncStatusSyncing, project.SyncStatus)
}
