package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nodectl/internal/types"
)

// RecordedRequest is one request the fake backend received.
type RecordedRequest struct {
	Method  string
	Path    string
	Body    []byte
	Headers http.Header
}

func (r RecordedRequest) Decode(out any) error {
	return json.Unmarshal(r.Body, out)
}

type fakeJob struct {
	id          string
	kind        string
	progress    types.ProgressMessage
	hasProgress bool
	subscribers []chan types.ProgressMessage
	cancels     int
}

// Backend is an in-process stand-in for the node backend: count, sync and
// async job submission, progress polling, the SSE progress stream and cancel.
type Backend struct {
	server *httptest.Server

	mu              sync.Mutex
	count           int
	countStatus     int
	syncResults     map[string]types.SyncResult
	syncStatus      int
	syncDelay       time.Duration
	submitStatus    int
	progressFails   int
	streamStatus    int
	cancelStatus    int
	nextID          int
	jobs            map[string]*fakeJob
	requests        []RecordedRequest
	idempotencyKeys map[string]string
}

func NewBackend(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{
		syncResults:     map[string]types.SyncResult{},
		jobs:            map[string]*fakeJob{},
		idempotencyKeys: map[string]string{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/nodes/count", b.handleCount)
	mux.HandleFunc("/api/jobs/sessions/", b.handleSession)
	mux.HandleFunc("/api/jobs/", b.handleJobs)
	b.server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

func (b *Backend) URL() string {
	return b.server.URL
}

func (b *Backend) Close() {
	b.mu.Lock()
	for _, job := range b.jobs {
		for _, ch := range job.subscribers {
			close(ch)
		}
		job.subscribers = nil
	}
	b.mu.Unlock()
	b.server.Close()
}

func (b *Backend) SetCount(count int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count = count
	b.countStatus = 0
}

// FailCount makes the count endpoint answer with status.
func (b *Backend) FailCount(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.countStatus = status
}

func (b *Backend) SetSyncResult(kind types.SessionKind, result types.SyncResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncResults[string(kind)] = result
}

func (b *Backend) SetSyncDelay(delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncDelay = delay
}

func (b *Backend) FailSync(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncStatus = status
}

func (b *Backend) FailSubmit(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitStatus = status
}

// FailProgress makes the next n progress polls fail with a 503.
func (b *Backend) FailProgress(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progressFails = n
}

// FailStream makes stream subscriptions answer with status; zero re-enables them.
func (b *Backend) FailStream(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamStatus = status
}

func (b *Backend) FailCancel(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelStatus = status
}

// AddJob registers a job the backend already knows about, as if it had been
// submitted by an earlier process.
func (b *Backend) AddJob(id string, kind types.SessionKind, progress types.ProgressMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job := b.jobLocked(id, string(kind))
	progress.SessionID = id
	job.progress = progress
	job.hasProgress = true
}

// SetProgress changes what the polling endpoint reports without touching
// open streams.
func (b *Backend) SetProgress(id string, msg types.ProgressMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job := b.jobLocked(id, "")
	msg.SessionID = id
	job.progress = msg
	job.hasProgress = true
}

// Push records msg as the latest progress and delivers it to every open
// stream of the session.
func (b *Backend) Push(id string, msg types.ProgressMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job := b.jobLocked(id, "")
	msg.SessionID = id
	job.progress = msg
	job.hasProgress = true
	for _, ch := range job.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

// EndStreams closes every open stream of the session without a terminal event.
func (b *Backend) EndStreams(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return
	}
	for _, ch := range job.subscribers {
		close(ch)
	}
	job.subscribers = nil
}

// WaitForStream blocks until the session has at least one open stream.
func (b *Backend) WaitForStream(id string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		job, ok := b.jobs[id]
		open := ok && len(job.subscribers) > 0
		b.mu.Unlock()
		if open {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func (b *Backend) CancelCalls(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if job, ok := b.jobs[id]; ok {
		return job.cancels
	}
	return 0
}

// Requests returns the recorded requests whose path starts with prefix.
func (b *Backend) Requests(prefix string) []RecordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]RecordedRequest, 0, len(b.requests))
	for _, req := range b.requests {
		if strings.HasPrefix(req.Path, prefix) {
			out = append(out, req)
		}
	}
	return out
}

func (b *Backend) jobLocked(id, kind string) *fakeJob {
	job, ok := b.jobs[id]
	if !ok {
		job = &fakeJob{id: id, kind: kind}
		b.jobs[id] = job
	}
	if kind != "" {
		job.kind = kind
	}
	return job
}

func (b *Backend) record(r *http.Request) []byte {
	body, _ := io.ReadAll(r.Body)
	b.mu.Lock()
	b.requests = append(b.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Body:    body,
		Headers: r.Header.Clone(),
	})
	b.mu.Unlock()
	return body
}

func (b *Backend) handleCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body := b.record(r)
	var req struct {
		ExcludeIDs []string `json:"exclude_ids"`
	}
	_ = json.Unmarshal(body, &req)
	b.mu.Lock()
	status, count := b.countStatus, b.count
	b.mu.Unlock()
	if status != 0 {
		writeError(w, status, "count unavailable")
		return
	}
	count -= len(req.ExcludeIDs)
	if count < 0 {
		count = 0
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

// handleJobs serves POST /api/jobs/{kind} and POST /api/jobs/{kind}/run.
func (b *Backend) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	b.record(r)
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/"), "/")
	kind := parts[0]
	if len(parts) == 2 && parts[1] == "run" {
		b.handleRunSync(w, r, kind)
		return
	}
	if len(parts) != 1 || kind == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitStatus != 0 {
		writeError(w, b.submitStatus, "submission rejected")
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if id, ok := b.idempotencyKeys[key]; ok && key != "" {
		writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
		return
	}
	b.nextID++
	id := fmt.Sprintf("job-%d", b.nextID)
	job := b.jobLocked(id, kind)
	job.progress = types.ProgressMessage{SessionID: id, Status: "running"}
	job.hasProgress = true
	if key != "" {
		b.idempotencyKeys[key] = id
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

func (b *Backend) handleRunSync(w http.ResponseWriter, r *http.Request, kind string) {
	b.mu.Lock()
	status, delay := b.syncStatus, b.syncDelay
	result, ok := b.syncResults[kind]
	b.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		writeError(w, status, "operation failed")
		return
	}
	if !ok {
		result = types.SyncResult{Message: "ok"}
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSession serves /api/jobs/sessions/{id}/{progress|stream|cancel}.
func (b *Backend) handleSession(w http.ResponseWriter, r *http.Request) {
	b.record(r)
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/sessions/"), "/"), "/")
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	id, action := parts[0], parts[1]
	switch action {
	case "progress":
		b.handleProgress(w, id)
	case "stream":
		b.handleStream(w, r, id)
	case "cancel":
		b.handleCancel(w, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (b *Backend) handleProgress(w http.ResponseWriter, id string) {
	b.mu.Lock()
	if b.progressFails > 0 {
		b.progressFails--
		b.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "progress unavailable")
		return
	}
	job, ok := b.jobs[id]
	var msg types.ProgressMessage
	if ok {
		msg = job.progress
	}
	b.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (b *Backend) handleStream(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	b.mu.Lock()
	if b.streamStatus != 0 {
		status := b.streamStatus
		b.mu.Unlock()
		writeError(w, status, "stream unavailable")
		return
	}
	job, exists := b.jobs[id]
	if !exists {
		b.mu.Unlock()
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	ch := make(chan types.ProgressMessage, 64)
	job.subscribers = append(job.subscribers, ch)
	b.mu.Unlock()
	defer b.unsubscribe(id, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	_, _ = w.Write([]byte(":\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func (b *Backend) unsubscribe(id string, target chan types.ProgressMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return
	}
	for i, ch := range job.subscribers {
		if ch == target {
			job.subscribers = append(job.subscribers[:i], job.subscribers[i+1:]...)
			return
		}
	}
}

func (b *Backend) handleCancel(w http.ResponseWriter, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	job.cancels++
	if b.cancelStatus != 0 {
		writeError(w, b.cancelStatus, "cancel failed")
		return
	}
	status, _ := types.ParseSessionStatus(job.progress.Status)
	if status.Terminal() {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "already_terminal": true})
		return
	}
	job.progress.Status = string(types.SessionStatusCancelled)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "already_terminal": false})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Int is shorthand for the optional counters of a progress message.
func Int(v int) *int {
	return &v
}
