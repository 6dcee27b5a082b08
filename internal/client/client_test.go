package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"nodectl/internal/config"
	"nodectl/internal/testutil"
	"nodectl/internal/types"
)

func TestCountNodesSendsFilterAndExclusions(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.SetCount(120)
	c := NewWithBaseURL(backend.URL(), "")

	count, err := c.CountNodes(context.Background(), map[string]string{"country": "de"}, []string{"n1", "n2"})
	if err != nil {
		t.Fatalf("CountNodes: %v", err)
	}
	if count != 118 {
		t.Fatalf("expected 118, got %d", count)
	}
	reqs := backend.Requests("/api/nodes/count")
	if len(reqs) != 1 {
		t.Fatalf("expected one count request, got %d", len(reqs))
	}
	var body CountRequest
	if err := reqs[0].Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Filter["country"] != "de" || len(body.ExcludeIDs) != 2 {
		t.Fatalf("unexpected body: %#v", body)
	}
}

func TestCountNodesSurfacesAPIError(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.FailCount(http.StatusBadGateway)
	c := NewWithBaseURL(backend.URL(), "")

	_, err := c.CountNodes(context.Background(), map[string]string{"x": "y"}, nil)
	apiErr := AsAPIError(err)
	if apiErr == nil || apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "count unavailable" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSubmitAsyncSendsIdempotencyKey(t *testing.T) {
	backend := testutil.NewBackend(t)
	c := NewWithBaseURL(backend.URL(), "secret")

	first, err := c.SubmitAsync(context.Background(), types.SessionKindTest, NodeOperationRequest{NodeIDs: []string{"a"}}, "key-1")
	if err != nil {
		t.Fatalf("SubmitAsync: %v", err)
	}
	second, err := c.SubmitAsync(context.Background(), types.SessionKindTest, NodeOperationRequest{NodeIDs: []string{"a"}}, "key-1")
	if err != nil {
		t.Fatalf("SubmitAsync retry: %v", err)
	}
	if first != second {
		t.Fatalf("expected replay to return %q, got %q", first, second)
	}
	reqs := backend.Requests("/api/jobs/test")
	if len(reqs) != 2 {
		t.Fatalf("expected two submissions, got %d", len(reqs))
	}
	if reqs[0].Headers.Get("Idempotency-Key") != "key-1" {
		t.Fatalf("missing idempotency key: %#v", reqs[0].Headers)
	}
	if reqs[0].Headers.Get("Authorization") != "Bearer secret" {
		t.Fatalf("missing bearer token: %#v", reqs[0].Headers)
	}
}

func TestRunSyncDecodesResultAndStampsKind(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.SetSyncResult(types.SessionKindImport, types.SyncResult{Added: 12, SkippedDuplicates: 3})
	c := NewWithBaseURL(backend.URL(), "")

	result, err := c.RunSync(context.Background(), types.SessionKindImport, ImportRequest{Data: "vless://a"})
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if result.Kind != types.SessionKindImport || result.Added != 12 || result.SkippedDuplicates != 3 {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestRunSyncUsesExtendedTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(120 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"succeeded":4}`))
	}))
	defer server.Close()

	c := NewWithBaseURL(server.URL, "", WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}))
	result, err := c.RunSync(context.Background(), types.SessionKindTest, NodeOperationRequest{NodeIDs: []string{"a"}})
	if err != nil {
		t.Fatalf("RunSync should not use the 20ms default timeout: %v", err)
	}
	if result.Succeeded != 4 {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestCancelSessionReportsAlreadyTerminal(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.AddJob("job-9", types.SessionKindTest, types.ProgressMessage{Status: "completed"})
	c := NewWithBaseURL(backend.URL(), "")

	resp, err := c.CancelSession(context.Background(), "job-9")
	if err != nil {
		t.Fatalf("CancelSession: %v", err)
	}
	if !resp.OK || !resp.AlreadyTerminal {
		t.Fatalf("unexpected cancel response: %#v", resp)
	}
}

func TestGetProgressDecodesCounters(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.AddJob("job-1", types.SessionKindImport, types.ProgressMessage{
		Status:          "running",
		ProcessedChunks: testutil.Int(2),
		TotalChunks:     testutil.Int(5),
	})
	c := NewWithBaseURL(backend.URL(), "")

	msg, err := c.GetProgress(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if msg.ProcessedChunks == nil || *msg.ProcessedChunks != 2 || msg.TotalItems != nil {
		t.Fatalf("unexpected message: %#v", msg)
	}
}

func TestNewReadsTokenFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("NODECTL_TOKEN", "")
	tokenPath := filepath.Join(home, ".nodectl", "token")
	if err := os.MkdirAll(filepath.Dir(tokenPath), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(tokenPath, []byte("from-file\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	c, err := New(config.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.token != "from-file" {
		t.Fatalf("unexpected token %q", c.token)
	}
	if c.BaseURL() != "http://127.0.0.1:8080" {
		t.Fatalf("unexpected base url %q", c.BaseURL())
	}
}
