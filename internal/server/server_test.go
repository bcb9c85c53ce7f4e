package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"scanalign/internal/pipeline"
	"scanalign/internal/storage"
)

type fakeQueue struct {
	mu      sync.Mutex
	jobs    []pipeline.Job
	err     error
	results chan pipeline.Result
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{results: make(chan pipeline.Result, 64)}
}

func (q *fakeQueue) Submit(job pipeline.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Subscribe() (<-chan pipeline.Result, func()) {
	return q.results, func() {}
}

func (q *fakeQueue) submitted() []pipeline.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]pipeline.Job(nil), q.jobs...)
}

func newTestServer(t *testing.T) (*Server, *fakeQueue, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	q := newFakeQueue()
	s, err := NewServer(":0", store, q, nil, 0, slog.Default())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s, q, store
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestSubmitJob(t *testing.T) {
	s, q, _ := newTestServer(t)
	body := `{"type":"align","input":"/scans/run1","options":{"precision":"single","maxShift":2}}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/jobs", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	jobs := q.submitted()
	if len(jobs) != 1 || jobs[0].ID != resp["id"] || jobs[0].Type != pipeline.JobAlign {
		t.Fatalf("unexpected submitted jobs %+v (resp %v)", jobs, resp)
	}
	if jobs[0].Options["maxShift"] != 2.0 || jobs[0].Options["source"] != "http" {
		t.Fatalf("options not forwarded: %v", jobs[0].Options)
	}
}

func TestSubmitJobErrors(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		queueErr error
		want     int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"bad type", `{"type":"timelapse","input":"/x"}`, nil, http.StatusBadRequest},
		{"no input", `{"type":"align"}`, nil, http.StatusBadRequest},
		{"queue full", `{"type":"scan","input":"/x"}`, pipeline.ErrQueueFull, http.StatusServiceUnavailable},
		{"queue error", `{"type":"scan","input":"/x"}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, q, _ := newTestServer(t)
			q.err = tc.queueErr
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/jobs", strings.NewReader(tc.body)))
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestJobAndShiftsEndpoints(t *testing.T) {
	s, _, store := newTestServer(t)
	if err := store.RecordJobQueued(storage.JobRecord{ID: "align-1", JobType: "align", Status: "queued", InputPath: "/scans"}); err != nil {
		t.Fatalf("RecordJobQueued: %v", err)
	}
	if err := store.RecordJobResult("align-1", "partial", map[string]any{"failed": 1}, "frame 1 failed"); err != nil {
		t.Fatalf("RecordJobResult: %v", err)
	}
	if err := store.RecordFrameShifts("align-1", []storage.FrameShiftRecord{
		{Index: 0, Name: "a", Shift: 0.5, Status: "aligned"},
		{Index: 1, Name: "b", Shift: math.NaN(), Status: "failed"},
	}); err != nil {
		t.Fatalf("RecordFrameShifts: %v", err)
	}

	h := s.Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/align-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var job map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job["Status"] != "partial" || job["Meta"].(map[string]any)["failed"] != 1.0 {
		t.Fatalf("unexpected job %v", job)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/align-1/shifts", nil))
	var shifts []shiftResponse
	if err := json.NewDecoder(rec.Body).Decode(&shifts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(shifts) != 2 || *shifts[0].Shift != 0.5 || shifts[1].Shift != nil {
		t.Fatalf("unexpected shifts %+v", shifts)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs", nil))
	var list []storage.JobRecord
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil || len(list) != 1 {
		t.Fatalf("unexpected job list %v %v", list, err)
	}
}

func TestJobStreamSendsEvents(t *testing.T) {
	s, q, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	q.results <- pipeline.Result{Job: pipeline.Job{ID: "align-9", Type: pipeline.JobAlign}, Meta: map[string]any{"aligned": 3}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev pipeline.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.JobID != "align-9" || ev.Status != "completed" {
			t.Fatalf("unexpected event %+v", ev)
		}
		return
	}
	t.Fatalf("stream ended without an event: %v", sc.Err())
}

func TestWebSocketReceivesJobEvents(t *testing.T) {
	s, q, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)
	go s.relayResults(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// keep publishing until the client is registered and receives one
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
				case q.results <- pipeline.Result{Job: pipeline.Job{ID: "stack-1", Type: pipeline.JobStack}, Error: errors.New("no frames")}:
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
	var ev pipeline.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.JobID != "stack-1" || ev.Status != "failed" || ev.Error != "no frames" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSubmitWatchedQueuesAlignJob(t *testing.T) {
	s, q, _ := newTestServer(t)
	s.submitWatched("/scans/new")
	jobs := q.submitted()
	if len(jobs) != 1 || jobs[0].Type != pipeline.JobAlign || jobs[0].InputPath != "/scans/new" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
}
