package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"

	"scanalign/internal/pipeline"
	"scanalign/internal/storage"
	"scanalign/internal/tasks"

	"github.com/gorilla/mux"
)

// JobQueue is the part of the pipeline the server drives.
type JobQueue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes the job queue over HTTP and optionally watches folders for
// new stacks.
type Server struct {
	addr    string
	store   *storage.Store
	queue   JobQueue
	watcher *tasks.StackWatcher
	hub     *Hub
	log     *slog.Logger
	server  *http.Server
}

// NewServer creates a server. With watchPaths set, every directory that
// settles after new frames arrive is queued as an align job.
func NewServer(
	addr string,
	store *storage.Store,
	queue JobQueue,
	watchPaths []string,
	settle time.Duration,
	log *slog.Logger,
) (*Server, error) {

	s := &Server{
		addr:  addr,
		store: store,
		queue: queue,
		hub:   NewHub(log),
		log:   log,
	}

	if len(watchPaths) > 0 {
		w, err := tasks.NewStackWatcher(watchPaths, settle, log, s.submitWatched)
		if err != nil {
			return nil, err
		}
		s.watcher = w
		log.Info("stack watcher initialized", "paths", watchPaths, "settle", settle)
	}

	return s, nil
}

// Start begins the server and monitoring services and blocks until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.log.Error("failed to start stack watcher", "error", err)
			return err
		}
	}

	go s.hub.Run(ctx)
	go s.relayResults(ctx)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")

		if s.watcher != nil {
			s.watcher.Stop()
		}

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/shifts", s.handleShifts).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.ServeWS).Methods("GET")
	return r
}

// Serve runs a server without watch folders.
func Serve(ctx context.Context, addr string, store *storage.Store, queue JobQueue, log *slog.Logger) error {
	server, err := NewServer(addr, store, queue, nil, 0, log)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

func (s *Server) submitWatched(dir string) {
	job := pipeline.Job{
		ID:        pipeline.NewJobID("watch"),
		Type:      pipeline.JobAlign,
		InputPath: dir,
		Options:   map[string]any{"source": "watcher"},
	}
	if err := s.queue.Submit(job); err != nil {
		s.log.Warn("failed to queue watched stack", "dir", dir, "error", err)
	}
}

// relayResults pushes every finished job to websocket clients.
func (s *Server) relayResults(ctx context.Context) {
	resCh, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(res.Event())
			if err != nil {
				s.log.Warn("failed to encode job event", "job", res.Job.ID, "error", err)
				continue
			}
			s.hub.Broadcast(payload)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type submitRequest struct {
	Type    string         `json:"type"`
	Input   string         `json:"input"`
	Output  string         `json:"output"`
	Options map[string]any `json:"options"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	jobType, err := pipeline.ParseJobType(req.Type)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Input == "" {
		http.Error(w, "input is required", http.StatusBadRequest)
		return
	}
	if req.Options == nil {
		req.Options = map[string]any{}
	}
	req.Options["source"] = "http"

	job := pipeline.Job{
		ID:        pipeline.NewJobID(string(jobType)),
		Type:      jobType,
		InputPath: req.Input,
		Output:    req.Output,
		Options:   req.Options,
	}
	if err := s.queue.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "status": "queued"})
}

type jobResponse struct {
	storage.JobRecord
	Meta map[string]any `json:"Meta,omitempty"`
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := jobResponse{JobRecord: rec}
	if meta, err := s.store.JobMeta(id); err == nil {
		resp.Meta = meta
	}
	writeJSON(w, http.StatusOK, resp)
}

type shiftResponse struct {
	Index  int      `json:"index"`
	Name   string   `json:"name"`
	Shift  *float64 `json:"shift_px"`
	Status string   `json:"status"`
}

func (s *Server) handleShifts(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.FrameShifts(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]shiftResponse, len(recs))
	for i, rec := range recs {
		out[i] = shiftResponse{Index: rec.Index, Name: rec.Name, Status: rec.Status}
		if !math.IsNaN(rec.Shift) {
			v := rec.Shift
			out[i].Shift = &v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res.Event())
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
