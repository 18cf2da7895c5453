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

// Package client invokes the provisioning endpoint with a local invocation
// guard and bounded retries. The guard ensures a process never runs two
// provisioning attempts for the same project at once; the idempotency key it
// derives is stable across retries so the server can deduplicate them.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/mosaic-hq/provisio/internal/guard"
)

// State is the client-side view of a project's provisioning lifecycle.
type State string

const (
	StateSyncing State = "syncing"
	StateSuccess State = "success"
	StateError   State = "error"
)

const (
	defaultMaxRetry   = 3
	defaultRetryDelay = 2 * time.Second
)

// ErrAlreadyRunning is returned when a provisioning call for the same project
// is already in flight in this process.
var ErrAlreadyRunning = guard.ErrAlreadyRunning

// SyncState tracks one project's provisioning progress.
type SyncState struct {
	State     State
	Attempts  int
	LastError string
}

// ProvisionResponse is the server's answer to a provisioning call.
type ProvisionResponse struct {
	Success    bool   `json:"success"`
	InProgress bool   `json:"in_progress,omitempty"`
	Status     string `json:"status"`
	ExternalID string `json:"external_id,omitempty"`
	Error      string `json:"error,omitempty"`
	Retryable  *bool  `json:"retryable,omitempty"`
}

// Provisioner triggers provisioning against a Provisio server.
type Provisioner struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	guards     *guard.Registry
	maxRetry   int
	retryDelay time.Duration

	mu     sync.Mutex
	states map[string]*SyncState

	// OnStateChange, when set, observes every state transition. Called
	// synchronously; keep it cheap.
	OnStateChange func(projectID string, state SyncState)
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provisioner) { p.httpClient = c }
}

// WithMaxRetry bounds the total number of attempts per provisioning call.
func WithMaxRetry(n int) Option {
	return func(p *Provisioner) { p.maxRetry = n }
}

// WithRetryDelay sets the fixed delay between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(p *Provisioner) { p.retryDelay = d }
}

// NewProvisioner creates a Provisioner for the given server.
func NewProvisioner(baseURL, apiKey string, opts ...Option) *Provisioner {
	p := &Provisioner{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		guards:     guard.NewRegistry(),
		maxRetry:   defaultMaxRetry,
		retryDelay: defaultRetryDelay,
		states:     make(map[string]*SyncState),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IdempotencyKey derives the key sent with every attempt for a project. It is
// deterministic so that retries, including manual ones after a failure, land
// on the same server-side record.
func IdempotencyKey(projectID string) string {
	return "provision:" + projectID
}

// Provision triggers provisioning for a project, retrying transient failures
// up to the configured attempt limit. A concurrent call for the same project returns
// ErrAlreadyRunning without contacting the server.
func (p *Provisioner) Provision(ctx context.Context, projectID string) (*ProvisionResponse, error) {
	var resp *ProvisionResponse
	err := p.guards.Do(ctx, IdempotencyKey(projectID), func(ctx context.Context) error {
		var runErr error
		resp, runErr = p.run(ctx, projectID)
		return runErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Retry re-triggers provisioning after a failure. The attempt counter starts
// over but the idempotency key does not change.
func (p *Provisioner) Retry(ctx context.Context, projectID string) (*ProvisionResponse, error) {
	p.mu.Lock()
	delete(p.states, projectID)
	p.mu.Unlock()
	return p.Provision(ctx, projectID)
}

// Status reports the tracked state for a project.
func (p *Provisioner) Status(projectID string) (SyncState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[projectID]
	if !ok {
		return SyncState{}, false
	}
	return *st, true
}

func (p *Provisioner) run(ctx context.Context, projectID string) (*ProvisionResponse, error) {
	p.setState(projectID, StateSyncing, "")

	var last *ProvisionResponse
	operation := func() error {
		p.bumpAttempts(projectID)
		resp, err := p.attempt(ctx, projectID)
		last = resp
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.retryDelay), uint64(p.maxRetry-1)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		p.setState(projectID, StateError, err.Error())
		return last, err
	}

	p.setState(projectID, StateSuccess, "")
	return last, nil
}

// attempt performs one HTTP call. Transient failures are returned as plain
// errors so the backoff policy retries them; failures the server marks
// non-retryable stop the loop immediately.
func (p *Provisioner) attempt(ctx context.Context, projectID string) (*ProvisionResponse, error) {
	body, err := json.Marshal(map[string]string{
		"idempotency_key": IdempotencyKey(projectID),
	})
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	url := fmt.Sprintf("%s/projects/%s/provision", p.baseURL, projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-Provisio-Key", p.apiKey)
	}

	httpResp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "provisioning request failed")
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	var resp ProvisionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to decode response")
	}

	switch {
	case httpResp.StatusCode == http.StatusOK && resp.Success:
		return &resp, nil
	case httpResp.StatusCode == http.StatusConflict:
		// another caller holds the server-side record; wait and retry
		return &resp, fmt.Errorf("provisioning in progress for %s", projectID)
	case resp.Retryable != nil && !*resp.Retryable:
		return &resp, backoff.Permanent(fmt.Errorf("provisioning failed permanently: %s", resp.Error))
	case httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusServiceUnavailable:
		return &resp, fmt.Errorf("provisioning failed: %s", resp.Error)
	case httpResp.StatusCode >= 400 && httpResp.StatusCode < 500:
		return &resp, backoff.Permanent(fmt.Errorf("provisioning rejected: %s", resp.Error))
	default:
		return &resp, fmt.Errorf("provisioning failed: %s", resp.Error)
	}
}

func (p *Provisioner) setState(projectID string, state State, lastError string) {
	p.mu.Lock()
	st, ok := p.states[projectID]
	if !ok {
		st = &SyncState{}
		p.states[projectID] = st
	}
	st.State = state
	st.LastError = lastError
	snapshot := *st
	p.mu.Unlock()

	if p.OnStateChange != nil {
		p.OnStateChange(projectID, snapshot)
	}
}

func (p *Provisioner) bumpAttempts(projectID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.states[projectID]; ok {
		st.Attempts++
	}
}
