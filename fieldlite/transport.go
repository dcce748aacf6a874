// Copyright 2025 Fieldtally Authors
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fieldtally/go-fieldsync/fieldsync"
)

// Transport is the stateless wrapper over the remote sync operations.
// Implementations must be safe for reuse across cycles; all retry and
// ordering decisions belong to the orchestrator.
type Transport interface {
	Push(ctx context.Context, req *fieldsync.PushRequest) (*fieldsync.PushResponse, error)
	Commit(ctx context.Context, req *fieldsync.CommitRequest) (*fieldsync.CommitResponse, error)
	Pull(ctx context.Context, after int64, limit int) (*fieldsync.PullResponse, error)
	PrepareMedia(ctx context.Context, req *fieldsync.PrepareMediaRequest) (*fieldsync.PrepareMediaResponse, error)
	UploadMedia(ctx context.Context, grant *fieldsync.UploadGrant, body io.Reader, size int64) error
}

// HTTPTransport implements Transport over JSON/HTTP. Token returns the
// already-valid credential attached as a bearer token; session management is
// outside this engine.
type HTTPTransport struct {
	BaseURL string
	Token   func(ctx context.Context) (string, error)
	HTTP    *http.Client
}

// NewHTTPTransport creates an HTTP transport with a timeout sized for batch
// uploads over slow links.
func NewHTTPTransport(baseURL string, token func(ctx context.Context) (string, error)) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
	}
}

// Push uploads one batch of events
func (t *HTTPTransport) Push(ctx context.Context, req *fieldsync.PushRequest) (*fieldsync.PushResponse, error) {
	var resp fieldsync.PushResponse
	if err := t.doJSON(ctx, http.MethodPost, t.BaseURL+"/sync/push", req, &resp); err != nil {
		return nil, fmt.Errorf("push failed: %w", err)
	}
	return &resp, nil
}

// Commit finalizes server-side ids. Idempotent, safe to retry.
func (t *HTTPTransport) Commit(ctx context.Context, req *fieldsync.CommitRequest) (*fieldsync.CommitResponse, error) {
	var resp fieldsync.CommitResponse
	if err := t.doJSON(ctx, http.MethodPost, t.BaseURL+"/sync/commit", req, &resp); err != nil {
		return nil, fmt.Errorf("commit failed: %w", err)
	}
	return &resp, nil
}

// Pull fetches remote-originated events after the given cursor
func (t *HTTPTransport) Pull(ctx context.Context, after int64, limit int) (*fieldsync.PullResponse, error) {
	url := fmt.Sprintf("%s/sync/pull?after=%d&limit=%d", t.BaseURL, after, limit)
	var resp fieldsync.PullResponse
	if err := t.doJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, fmt.Errorf("pull failed: %w", err)
	}
	return &resp, nil
}

// PrepareMedia requests upload grants for files not covered by a previous
// push response.
func (t *HTTPTransport) PrepareMedia(ctx context.Context, req *fieldsync.PrepareMediaRequest) (*fieldsync.PrepareMediaResponse, error) {
	var resp fieldsync.PrepareMediaResponse
	if err := t.doJSON(ctx, http.MethodPost, t.BaseURL+"/sync/media/prepare", req, &resp); err != nil {
		return nil, fmt.Errorf("prepare media failed: %w", err)
	}
	return &resp, nil
}

// UploadMedia transfers the media bytes to the granted URL using the grant's
// method and headers, then acknowledges completion for that grant.
func (t *HTTPTransport) UploadMedia(ctx context.Context, grant *fieldsync.UploadGrant, body io.Reader, size int64) error {
	httpReq, err := http.NewRequestWithContext(ctx, grant.Method, grant.UploadURL, body)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	httpReq.ContentLength = size
	for k, v := range grant.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to transfer media bytes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upload target returned status %d: %s", resp.StatusCode, string(respBody))
	}

	// Completion endpoint tells the authority the grant was consumed
	var ack fieldsync.CommitResponse
	if err := t.doJSON(ctx, http.MethodPost, t.BaseURL+"/sync/media/"+grant.ID+"/complete", nil, &ack); err != nil {
		return fmt.Errorf("media complete failed: %w", err)
	}
	return nil
}

// doJSON sends an authenticated JSON request and decodes the response body
func (t *HTTPTransport) doJSON(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		jsonData, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := t.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
