package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nodectl/internal/checkpoint"
	"nodectl/internal/client"
	"nodectl/internal/config"
	"nodectl/internal/metrics"
	"nodectl/internal/progress"
	"nodectl/internal/store"
	"nodectl/internal/testutil"
	"nodectl/internal/tracker"
	"nodectl/internal/types"
)

type testEnv struct {
	backend *testutil.Backend
	kv      *store.MemoryStore
	cfg     config.Config
	copied  []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Thresholds.ImportBytes = 64
	cfg.Thresholds.TestNodes = 2
	cfg.Thresholds.ServiceNodes = 2
	cfg.Checkpoint.DisplayWindow = "1h"
	return &testEnv{
		backend: testutil.NewBackend(t),
		kv:      store.NewMemoryStore(),
		cfg:     cfg,
	}
}

// runtime binds commands to the fake backend; every runtime shares one
// in-memory checkpoint store so later commands see earlier checkpoints.
func (e *testEnv) runtime() runtimeFactory {
	return func(_ context.Context, opts ...runtimeOption) (*commandRuntime, error) {
		var options runtimeOptions
		for _, opt := range opts {
			opt(&options)
		}
		backend := client.NewWithBaseURL(e.backend.URL(), "")
		var kv store.KV = e.kv
		if options.ephemeral {
			kv = store.NewMemoryStore()
		}
		m := metrics.New()
		trackerOpts := append([]tracker.Option{
			tracker.WithConfig(e.cfg),
			tracker.WithMetrics(m),
			tracker.WithConsumerOptions(progress.WithPollInterval(10 * time.Millisecond)),
		}, options.trackerOpts...)
		return &commandRuntime{
			cfg:     e.cfg,
			client:  backend,
			tracker: tracker.New(backend, kv, trackerOpts...),
			metrics: m,
			kv:      kv,
		}, nil
	}
}

func (e *testEnv) copyText(text string) error {
	e.copied = append(e.copied, text)
	return nil
}

func writePayload(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nodes.txt")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	return path
}

func TestConfigCommandDefaultJSON(t *testing.T) {
	stdout := &bytes.Buffer{}
	cmd := NewConfigCommand(stdout, &bytes.Buffer{}, nil)
	if err := cmd.Run([]string{"--default"}); err != nil {
		t.Fatalf("expected config to succeed, got err=%v", err)
	}
	var payload effectiveConfig
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v (%q)", err, stdout.String())
	}
	if payload.Backend.BaseURL != "http://127.0.0.1:8080" {
		t.Fatalf("unexpected base url %q", payload.Backend.BaseURL)
	}
	if payload.Thresholds.TestNodes != 200 || payload.Checkpoint.Backend != config.CheckpointBackendBbolt {
		t.Fatalf("unexpected defaults: %#v", payload)
	}
	if payload.Checkpoint.Staleness["import"] != "30m0s" {
		t.Fatalf("unexpected staleness: %#v", payload.Checkpoint.Staleness)
	}
}

func TestConfigCommandTOMLUsesLoadedConfig(t *testing.T) {
	stdout := &bytes.Buffer{}
	cmd := NewConfigCommand(stdout, &bytes.Buffer{}, func() (config.Config, error) {
		cfg := config.Default()
		cfg.Backend.BaseURL = "nodes.internal:9000"
		cfg.Logging.Level = "debug"
		return cfg, nil
	})
	if err := cmd.Run([]string{"--format", "toml"}); err != nil {
		t.Fatalf("expected config to succeed, got err=%v", err)
	}
	out := stdout.String()
	for _, want := range []string{"[backend]", "http://nodes.internal:9000", "[logging]", "debug"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestConfigCommandRejectsUnknownFormat(t *testing.T) {
	cmd := NewConfigCommand(&bytes.Buffer{}, &bytes.Buffer{}, nil)
	if err := cmd.Run([]string{"--default", "--format", "yaml"}); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestCountCommandAppliesExclusions(t *testing.T) {
	env := newTestEnv(t)
	env.backend.SetCount(1234)
	stdout := &bytes.Buffer{}
	cmd := NewCountCommand(stdout, &bytes.Buffer{}, env.runtime())

	err := cmd.Run([]string{"--filter", "country=de", "--exclude", "n1,n2"})
	if err != nil {
		t.Fatalf("expected count to succeed, got err=%v", err)
	}
	out := stdout.String()
	if !strings.Contains(out, "matching: 1,234") || !strings.Contains(out, "selected: 1,232") {
		t.Fatalf("unexpected output: %q", out)
	}
	requests := env.backend.Requests("/api/nodes/count")
	if len(requests) != 1 {
		t.Fatalf("expected one count request, got %d", len(requests))
	}
}

func TestCountCommandRequiresFilter(t *testing.T) {
	env := newTestEnv(t)
	cmd := NewCountCommand(&bytes.Buffer{}, &bytes.Buffer{}, env.runtime())
	if err := cmd.Run(nil); err == nil {
		t.Fatalf("expected missing filter error")
	}
	if err := cmd.Run([]string{"--filter", "country"}); err == nil {
		t.Fatalf("expected malformed filter error")
	}
}

func TestImportCommandPrintsSyncResult(t *testing.T) {
	env := newTestEnv(t)
	env.backend.SetSyncResult(types.SessionKindImport, types.SyncResult{Kind: types.SessionKindImport, Added: 2})
	stdout := &bytes.Buffer{}
	cmd := NewImportCommand(stdout, &bytes.Buffer{}, env.runtime(), env.copyText)

	if err := cmd.Run([]string{writePayload(t, "vless://a\nvless://b\n")}); err != nil {
		t.Fatalf("expected import to succeed, got err=%v", err)
	}
	var result types.SyncResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v (%q)", err, stdout.String())
	}
	if result.Added != 2 {
		t.Fatalf("unexpected result: %#v", result)
	}
	if len(env.copied) != 0 {
		t.Fatalf("sync import should not copy anything, got %v", env.copied)
	}
}

func TestImportCommandDetachPrintsSessionID(t *testing.T) {
	env := newTestEnv(t)
	stdout := &bytes.Buffer{}
	cmd := NewImportCommand(stdout, &bytes.Buffer{}, env.runtime(), env.copyText)

	payload := strings.Repeat("vless://node\n", 10)
	if err := cmd.Run([]string{"--detach", "--copy", writePayload(t, payload)}); err != nil {
		t.Fatalf("expected import to succeed, got err=%v", err)
	}
	if strings.TrimSpace(stdout.String()) != "job-1" {
		t.Fatalf("unexpected output: %q", stdout.String())
	}
	if len(env.copied) != 1 || env.copied[0] != "job-1" {
		t.Fatalf("expected session id to be copied, got %v", env.copied)
	}

	ps := &bytes.Buffer{}
	if err := NewPSCommand(ps, &bytes.Buffer{}, env.runtime()).Run(nil); err != nil {
		t.Fatalf("expected ps to succeed, got err=%v", err)
	}
	if !strings.Contains(ps.String(), "job-1") || !strings.Contains(ps.String(), "import") {
		t.Fatalf("expected detached job in ps output:\n%s", ps.String())
	}
}

func TestImportCommandRejectsMissingPayload(t *testing.T) {
	env := newTestEnv(t)
	cmd := NewImportCommand(&bytes.Buffer{}, &bytes.Buffer{}, env.runtime(), env.copyText)
	if err := cmd.Run(nil); err == nil {
		t.Fatalf("expected missing path error")
	}
	cmd.stdin = strings.NewReader("")
	if err := cmd.Run([]string{"-"}); err == nil {
		t.Fatalf("expected empty payload error")
	}
}

func TestOperationCommandRequiresTarget(t *testing.T) {
	env := newTestEnv(t)
	service := NewOperationCommand(types.SessionKindServiceControl, &bytes.Buffer{}, &bytes.Buffer{}, env.runtime(), env.copyText)
	err := service.Run([]string{"--action", "stop"})
	if err == nil || !strings.Contains(err.Error(), "--ids or --filter") {
		t.Fatalf("expected target error, got %v", err)
	}
	cmd := NewOperationCommand(types.SessionKindTest, &bytes.Buffer{}, &bytes.Buffer{}, env.runtime(), env.copyText)
	err = cmd.Run([]string{"--ids", "a", "--filter", "country=de"})
	if err == nil {
		t.Fatalf("expected conflicting target error")
	}
}

func TestTestCommandWithoutSelectionAndNoRunningJob(t *testing.T) {
	env := newTestEnv(t)
	cmd := NewOperationCommand(types.SessionKindTest, &bytes.Buffer{}, &bytes.Buffer{}, env.runtime(), env.copyText)
	err := cmd.Run([]string{"--type", "tcp"})
	if err == nil || !strings.Contains(err.Error(), "--ids or --filter") {
		t.Fatalf("expected target error, got %v", err)
	}
	if requests := env.backend.Requests("/api/jobs/test"); len(requests) != 0 {
		t.Fatalf("expected no submission, got %d", len(requests))
	}
}

func TestTestCommandWithoutSelectionAttachesToDerivedJob(t *testing.T) {
	env := newTestEnv(t)
	env.backend.AddJob("job-42", types.SessionKindTest, types.ProgressMessage{Status: "running"})
	data, err := json.Marshal(types.PersistedCheckpoint{
		SessionID:  "job-42",
		Kind:       types.SessionKindTest,
		Status:     types.SessionStatusRunning,
		UnitsTotal: 3,
		SavedAt:    time.Now().UTC(),
		Origin:     types.SessionOriginDerived,
		Transport:  types.TransportAsync,
		ParentID:   "job-41",
	})
	if err != nil {
		t.Fatalf("encode checkpoint: %v", err)
	}
	if err := env.kv.Save(context.Background(), checkpoint.Key(types.SessionKindTest, types.SessionOriginDerived), data); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	stdout := &bytes.Buffer{}
	cmd := NewOperationCommand(types.SessionKindTest, stdout, &bytes.Buffer{}, env.runtime(), env.copyText)
	cmd.interval = 10 * time.Millisecond
	done := make(chan error, 1)
	go func() {
		done <- cmd.Run(nil)
	}()
	if !env.backend.WaitForStream("job-42", 2*time.Second) {
		t.Fatalf("expected the command to follow the derived job")
	}
	env.backend.Push("job-42", types.ProgressMessage{Status: "completed", ProcessedItems: testutil.Int(3), TotalItems: testutil.Int(3)})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected test to attach, got err=%v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("command did not return after the derived job completed")
	}
	if requests := env.backend.Requests("/api/jobs/test"); len(requests) != 0 {
		t.Fatalf("attaching must not submit, got %d submissions", len(requests))
	}
	out := stdout.String()
	if !strings.Contains(out, "attached") || !strings.Contains(out, "job-42") || !strings.Contains(out, "100%") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestOperationCommandFollowsUntilDone(t *testing.T) {
	env := newTestEnv(t)
	stdout := &bytes.Buffer{}
	cmd := NewOperationCommand(types.SessionKindTest, stdout, &bytes.Buffer{}, env.runtime(), env.copyText)
	cmd.interval = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		done <- cmd.Run([]string{"--ids", "a,b,c", "--type", "tcp"})
	}()
	if !env.backend.WaitForStream("job-1", 2*time.Second) {
		t.Fatalf("expected the command to open a progress stream")
	}
	env.backend.Push("job-1", types.ProgressMessage{Status: "completed", ProcessedItems: testutil.Int(3), TotalItems: testutil.Int(3)})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected test to succeed, got err=%v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("command did not return after the job completed")
	}
	requests := env.backend.Requests("/api/jobs/test")
	if len(requests) != 1 {
		t.Fatalf("expected one submission, got %d", len(requests))
	}
	// stdout is only read once Run has returned.
	if !strings.Contains(stdout.String(), "100%") {
		t.Fatalf("expected final progress line, got:\n%s", stdout.String())
	}
}

func TestCancelCommandUntrackedJob(t *testing.T) {
	env := newTestEnv(t)
	env.backend.AddJob("job-7", types.SessionKindTest, types.ProgressMessage{Status: "running"})
	stdout := &bytes.Buffer{}
	cmd := NewCancelCommand(stdout, &bytes.Buffer{}, env.runtime())

	if err := cmd.Run([]string{"job-7"}); err != nil {
		t.Fatalf("expected cancel to succeed, got err=%v", err)
	}
	if strings.TrimSpace(stdout.String()) != "job-7 cancelled" {
		t.Fatalf("unexpected output: %q", stdout.String())
	}
	if calls := env.backend.CancelCalls("job-7"); calls != 1 {
		t.Fatalf("expected one cancel call, got %d", calls)
	}
}

func TestCancelCommandReportsFinishedJob(t *testing.T) {
	env := newTestEnv(t)
	env.backend.AddJob("job-8", types.SessionKindImport, types.ProgressMessage{Status: "completed"})
	stdout := &bytes.Buffer{}
	cmd := NewCancelCommand(stdout, &bytes.Buffer{}, env.runtime())

	if err := cmd.Run([]string{"job-8"}); err != nil {
		t.Fatalf("expected cancel to succeed, got err=%v", err)
	}
	if strings.TrimSpace(stdout.String()) != "job-8 already_terminal" {
		t.Fatalf("unexpected output: %q", stdout.String())
	}
}

func TestCancelCommandUnknownJobFails(t *testing.T) {
	env := newTestEnv(t)
	cmd := NewCancelCommand(&bytes.Buffer{}, &bytes.Buffer{}, env.runtime())
	if err := cmd.Run([]string{"job-404"}); err == nil {
		t.Fatalf("expected backend error for unknown job")
	}
	if err := cmd.Run(nil); err == nil {
		t.Fatalf("expected usage error")
	}
}

func TestWatchCommandWithNothingToFollow(t *testing.T) {
	env := newTestEnv(t)
	stdout := &bytes.Buffer{}
	cmd := NewWatchCommand(stdout, &bytes.Buffer{}, env.runtime())
	if err := cmd.Run([]string{"--interval", "10ms"}); err != nil {
		t.Fatalf("expected watch to succeed, got err=%v", err)
	}
	if err := cmd.Run([]string{"--kind", "bogus"}); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestPSCommandWithoutCheckpoints(t *testing.T) {
	env := newTestEnv(t)
	stdout := &bytes.Buffer{}
	if err := NewPSCommand(stdout, &bytes.Buffer{}, env.runtime()).Run(nil); err != nil {
		t.Fatalf("expected ps to succeed, got err=%v", err)
	}
	if strings.TrimSpace(stdout.String()) != "no checkpoints" {
		t.Fatalf("unexpected output: %q", stdout.String())
	}
}

func TestPrintCheckpointsFormatsRows(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := &bytes.Buffer{}
	printCheckpoints(out, []types.PersistedCheckpoint{
		{SessionID: "job-3", Kind: types.SessionKindTest, Status: types.SessionStatusFailed, ConnectionLost: true, UnitsDone: 1, UnitsTotal: 4, SavedAt: now.Add(-2 * time.Minute)},
	}, now)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one row, got %q", out.String())
	}
	for _, want := range []string{"job-3", "test", "connection to job lost", "1/4 25%", "2 minutes ago"} {
		if !strings.Contains(lines[1], want) {
			t.Fatalf("expected %q in %q", want, lines[1])
		}
	}
}

func TestParseFiltersAndSplitIDs(t *testing.T) {
	filter, err := parseFilters([]string{"country=de", " protocol = vless "})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if filter["country"] != "de" || filter["protocol"] != "vless" {
		t.Fatalf("unexpected filter: %#v", filter)
	}
	if _, err := parseFilters([]string{"=de"}); err == nil {
		t.Fatalf("expected empty key error")
	}
	ids := splitIDs([]string{"a, b", "", "c,,"})
	if strings.Join(ids, "|") != "a|b|c" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}
