package fieldlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/fieldtally/go-fieldsync/fieldsync"
)

// mockTransport scripts remote behavior and counts calls per operation.
// Zero-value behavior: every pushed event succeeds with a server id derived
// from its client id, commits are accepted, pulls return nothing, prepare
// grants one slot per file, uploads succeed.
type mockTransport struct {
	mu sync.Mutex

	PushCount    int
	CommitCount  int
	PullCount    int
	PrepareCount int
	UploadCount  int

	PushReqs   []*fieldsync.PushRequest
	CommitReqs []*fieldsync.CommitRequest

	PushFn    func(req *fieldsync.PushRequest) (*fieldsync.PushResponse, error)
	CommitFn  func(req *fieldsync.CommitRequest) (*fieldsync.CommitResponse, error)
	PullFn    func(after int64, limit int) (*fieldsync.PullResponse, error)
	PrepareFn func(req *fieldsync.PrepareMediaRequest) (*fieldsync.PrepareMediaResponse, error)
	UploadFn  func(grant *fieldsync.UploadGrant) error
}

func (m *mockTransport) Push(ctx context.Context, req *fieldsync.PushRequest) (*fieldsync.PushResponse, error) {
	m.mu.Lock()
	m.PushCount++
	m.PushReqs = append(m.PushReqs, req)
	fn := m.PushFn
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	resp := &fieldsync.PushResponse{ServerSeq: int64(100 + len(req.Events))}
	for _, ev := range req.Events {
		resp.Results = append(resp.Results, fieldsync.PushResult{
			ClientID: ev.ClientID,
			Status:   fieldsync.StSuccess,
			ServerID: "srv-" + ev.ClientID,
		})
	}
	return resp, nil
}

func (m *mockTransport) Commit(ctx context.Context, req *fieldsync.CommitRequest) (*fieldsync.CommitResponse, error) {
	m.mu.Lock()
	m.CommitCount++
	m.CommitReqs = append(m.CommitReqs, req)
	fn := m.CommitFn
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return &fieldsync.CommitResponse{Accepted: true}, nil
}

func (m *mockTransport) Pull(ctx context.Context, after int64, limit int) (*fieldsync.PullResponse, error) {
	m.mu.Lock()
	m.PullCount++
	fn := m.PullFn
	m.mu.Unlock()

	if fn != nil {
		return fn(after, limit)
	}
	return &fieldsync.PullResponse{ServerSeq: after}, nil
}

func (m *mockTransport) PrepareMedia(ctx context.Context, req *fieldsync.PrepareMediaRequest) (*fieldsync.PrepareMediaResponse, error) {
	m.mu.Lock()
	m.PrepareCount++
	fn := m.PrepareFn
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	resp := &fieldsync.PrepareMediaResponse{}
	for _, f := range req.Files {
		resp.Uploads = append(resp.Uploads, fieldsync.UploadGrant{
			ID:        "grant-" + f.ClientID,
			ClientID:  f.ClientID,
			UploadURL: "https://uploads.example.com/" + f.ClientID,
			Method:    "PUT",
		})
	}
	return resp, nil
}

func (m *mockTransport) UploadMedia(ctx context.Context, grant *fieldsync.UploadGrant, body io.Reader, size int64) error {
	m.mu.Lock()
	m.UploadCount++
	fn := m.UploadFn
	m.mu.Unlock()

	if fn != nil {
		return fn(grant)
	}
	_, err := io.Copy(io.Discard, body)
	return err
}

func (m *mockTransport) commits() []*fieldsync.CommitRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fieldsync.CommitRequest(nil), m.CommitReqs...)
}

func openTestDB(t *testing.T, dsn string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	// One connection so an in-memory database is shared across queries
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestClient(t *testing.T) (*Client, *mockTransport) {
	t.Helper()
	return newTestClientWithDB(t, openTestDB(t, ":memory:"))
}

func newTestClientWithDB(t *testing.T, db *sql.DB) (*Client, *mockTransport) {
	t.Helper()
	transport := &mockTransport{}
	config := DefaultConfig()
	config.MinSyncInterval = 0 // No throttle unless a test opts in

	client, err := NewClient(db, transport, config, Hooks{}, nil)
	require.NoError(t, err)

	// Media bytes come from memory, no files on disk needed
	client.openMedia = func(uri string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("media-bytes:" + uri)), nil
	}
	return client, transport
}

// drainTriggers discards the sync requests that captures queued up, so a
// test drives each cycle explicitly and counts stay exact.
func drainTriggers(c *Client) {
	for {
		select {
		case <-c.triggers:
		default:
			atomic.StoreInt32(&c.dirty, 0)
			return
		}
	}
}

func captureTestEvent(t *testing.T, c *Client, eventType string, media ...MediaInput) *Event {
	t.Helper()
	ev, _, err := c.CaptureEvent(context.Background(), EventInput{
		Type:      eventType,
		ActorRole: "agronomist",
		Payload:   []byte(fmt.Sprintf(`{"kind":%q}`, eventType)),
	}, media)
	require.NoError(t, err)
	return ev
}
