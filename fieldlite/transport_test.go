package fieldlite

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldtally/go-fieldsync/fieldsync"
)

func newTestTransport(server *httptest.Server) *HTTPTransport {
	transport := NewHTTPTransport(server.URL, func(ctx context.Context) (string, error) {
		return "test-token", nil
	})
	transport.HTTP = server.Client()
	return transport
}

func TestHTTPTransportPush(t *testing.T) {
	var gotAuth, gotContentType string
	var gotReq fieldsync.PushRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sync/push", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(fieldsync.PushResponse{
			ServerSeq: 42,
			Results: []fieldsync.PushResult{
				{ClientID: gotReq.Events[0].ClientID, Status: fieldsync.StSuccess, ServerID: "srv-9"},
			},
		})
	}))
	defer server.Close()

	transport := newTestTransport(server)
	resp, err := transport.Push(context.Background(), &fieldsync.PushRequest{
		DeviceID: "dev-1",
		Seq:      7,
		Events: []fieldsync.EventPush{
			{ClientID: "cid-1", Type: "irrigation", ActorRole: "agronomist", Payload: json.RawMessage(`{"zone":3}`)},
		},
	})
	require.NoError(t, err)

	require.Equal(t, "Bearer test-token", gotAuth)
	require.Equal(t, "application/json", gotContentType)
	require.Equal(t, "dev-1", gotReq.DeviceID)
	require.Equal(t, int64(7), gotReq.Seq)
	require.Equal(t, "cid-1", gotReq.Events[0].ClientID)

	require.Equal(t, int64(42), resp.ServerSeq)
	require.Equal(t, "srv-9", resp.Results[0].ServerID)
}

func TestHTTPTransportPushServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(fieldsync.ErrorResponse{Error: "internal", Message: "db down"})
	}))
	defer server.Close()

	transport := newTestTransport(server)
	_, err := transport.Push(context.Background(), &fieldsync.PushRequest{DeviceID: "dev-1", Seq: 1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 500")
	require.Contains(t, err.Error(), "db down")
}

func TestHTTPTransportPullQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/sync/pull", r.URL.Path)
		require.Equal(t, "17", r.URL.Query().Get("after"))
		require.Equal(t, "500", r.URL.Query().Get("limit"))

		json.NewEncoder(w).Encode(fieldsync.PullResponse{
			ServerSeq: 20,
			Events: []fieldsync.RemoteEvent{
				{ID: "srv-20", Type: "advisory", ActorRole: "manager"},
			},
		})
	}))
	defer server.Close()

	transport := newTestTransport(server)
	resp, err := transport.Pull(context.Background(), 17, 500)
	require.NoError(t, err)
	require.Equal(t, int64(20), resp.ServerSeq)
	require.Len(t, resp.Events, 1)
	require.Equal(t, "srv-20", resp.Events[0].ID)
}

func TestHTTPTransportCommit(t *testing.T) {
	var gotReq fieldsync.CommitRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sync/commit", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(fieldsync.CommitResponse{Accepted: true})
	}))
	defer server.Close()

	transport := newTestTransport(server)
	resp, err := transport.Commit(context.Background(), &fieldsync.CommitRequest{
		Events: []string{"srv-1", "srv-2"},
		Media:  []string{"grant-1"},
	})
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.Equal(t, []string{"srv-1", "srv-2"}, gotReq.Events)
	require.Equal(t, []string{"grant-1"}, gotReq.Media)
}

func TestHTTPTransportPrepareMedia(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sync/media/prepare", r.URL.Path)
		var req fieldsync.PrepareMediaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Files, 1)

		json.NewEncoder(w).Encode(fieldsync.PrepareMediaResponse{
			Uploads: []fieldsync.UploadGrant{{
				ID:        "m-100",
				ClientID:  req.Files[0].ClientID,
				UploadURL: "https://bucket.example.com/m-100",
				Method:    http.MethodPut,
				Headers:   map[string]string{"x-amz-acl": "private"},
			}},
		})
	}))
	defer server.Close()

	transport := newTestTransport(server)
	resp, err := transport.PrepareMedia(context.Background(), &fieldsync.PrepareMediaRequest{
		Files: []fieldsync.MediaDescriptor{
			{ClientID: "mcid-1", Type: fieldsync.MediaPhoto, Checksum: "abc", Size: 12, MimeType: "image/jpeg"},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Uploads, 1)
	require.Equal(t, "m-100", resp.Uploads[0].ID)
	require.Equal(t, "mcid-1", resp.Uploads[0].ClientID)
}

func TestHTTPTransportUploadMedia(t *testing.T) {
	var uploadedBody, uploadedHeader string
	var completed string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/bucket/m-7":
			// Grant-directed transfer carries the grant headers, not the
			// bearer token
			require.Empty(t, r.Header.Get("Authorization"))
			uploadedHeader = r.Header.Get("Content-MD5")
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			uploadedBody = string(body)
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/sync/media/"):
			require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			completed = r.URL.Path
			json.NewEncoder(w).Encode(fieldsync.CommitResponse{Accepted: true})

		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	transport := newTestTransport(server)
	grant := &fieldsync.UploadGrant{
		ID:        "m-7",
		ClientID:  "mcid-7",
		UploadURL: server.URL + "/bucket/m-7",
		Method:    http.MethodPut,
		Headers:   map[string]string{"Content-MD5": "hash=="},
	}

	body := strings.NewReader("jpeg-bytes")
	err := transport.UploadMedia(context.Background(), grant, body, int64(body.Len()))
	require.NoError(t, err)

	require.Equal(t, "jpeg-bytes", uploadedBody)
	require.Equal(t, "hash==", uploadedHeader)
	require.Equal(t, "/sync/media/m-7/complete", completed)
}

func TestHTTPTransportUploadMediaTargetRejects(t *testing.T) {
	var completeCalled bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/complete") {
			completeCalled = true
			return
		}
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("grant expired"))
	}))
	defer server.Close()

	transport := newTestTransport(server)
	grant := &fieldsync.UploadGrant{
		ID:        "m-8",
		UploadURL: server.URL + "/bucket/m-8",
		Method:    http.MethodPut,
	}

	err := transport.UploadMedia(context.Background(), grant, strings.NewReader("x"), 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 403")
	require.Contains(t, err.Error(), "grant expired")
	require.False(t, completeCalled)
}
