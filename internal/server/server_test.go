package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"thermalign/internal/logging"
	"thermalign/internal/orchestrator"
	"thermalign/internal/pipeline"
	"thermalign/internal/storage"
)

type stubRunner struct {
	calls chan [3]string
	err   error
}

func (s *stubRunner) RunWithID(ctx context.Context, runID, in, out string) (orchestrator.Summary, error) {
	s.calls <- [3]string{runID, in, out}
	return orchestrator.Summary{RunID: runID}, s.err
}

type stubFeed struct {
	ch chan pipeline.Result
}

func (f *stubFeed) Subscribe() (<-chan pipeline.Result, func()) {
	return f.ch, func() {}
}

func newTestServer(t *testing.T, runner Runner, feed Subscriber) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return NewServer(":0", store, runner, feed, logging.Discard()), store
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestRunEndpoints(t *testing.T) {
	s, store := newTestServer(t, nil, nil)
	if err := store.RecordRunStart("run-1", "/in", "/out"); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordPairResult(storage.PairRecord{RunID: "run-1", PairID: "DJI_20250101120005_0001", Status: "completed", Method: "fallback", Reason: "override"}); err != nil {
		t.Fatal(err)
	}
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	var runs []storage.RunRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil || len(runs) != 1 {
		t.Fatalf("unexpected /runs response %s (%v)", rec.Body.String(), err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/run-1", nil))
	var run storage.RunRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil || run.ID != "run-1" || run.Status != "running" {
		t.Fatalf("unexpected /runs/run-1 response %s (%v)", rec.Body.String(), err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/run-1/pairs", nil))
	var pairs []storage.PairRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &pairs); err != nil || len(pairs) != 1 || pairs[0].Reason != "override" {
		t.Fatalf("unexpected pairs response %s (%v)", rec.Body.String(), err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestStartRun(t *testing.T) {
	runner := &stubRunner{calls: make(chan [3]string, 1), err: errors.New("no pairs")}
	s, _ := newTestServer(t, runner, nil)
	h := s.Handler()

	body := bytes.NewBufferString(`{"input_dir":"/data/flight1","output_dir":"/data/flight1-aligned"}`)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs", body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp startRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.ID == "" {
		t.Fatalf("expected run id in response, got %s", rec.Body.String())
	}

	select {
	case call := <-runner.calls:
		if call[0] != resp.ID || call[1] != "/data/flight1" || call[2] != "/data/flight1-aligned" {
			t.Fatalf("unexpected runner call %v", call)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runner was not invoked")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"input_dir":"/x"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without output_dir, got %d", rec.Code)
	}
}

func TestLedgerDisabled(t *testing.T) {
	s := NewServer(":0", nil, nil, nil, logging.Discard())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a store, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	h := s.Handler()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "http_requests_total") {
		t.Fatalf("expected prometheus exposition, got %d", rec.Code)
	}
}

func TestStreamDeliversPairEvents(t *testing.T) {
	feed := &stubFeed{ch: make(chan pipeline.Result, 16)}
	s, _ := newTestServer(t, nil, feed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.runCtx = ctx
	s.startHub(ctx)
	go s.pumpResults(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// the client registers asynchronously, so keep publishing until it hears one
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				feed.ch <- pipeline.Result{Job: pipeline.Job{ID: "DJI_20250101120005_0001", RunID: "run-9"}, Method: "homography", Matches: 40}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev PairEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.PairID != "DJI_20250101120005_0001" || ev.RunID != "run-9" || ev.Status != "completed" || ev.Matches != 40 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestStreamWithoutStart(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// delivery proves the connection was registered with a running hub
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case s.hub.broadcast <- []byte(`{"pair_id":"direct"}`):
				default:
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), "direct") {
		t.Fatalf("unexpected message %s", msg)
	}
}
