package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/manager"
	"github.com/caravelhq/caravel/pkg/metrics"
	"github.com/caravelhq/caravel/pkg/storage"
	"github.com/caravelhq/caravel/pkg/types"
)

// Server exposes the manager facade over HTTP/JSON. It is the driver
// surface: the CLI, webhook providers, and the metrics scraper all
// enter here.
type Server struct {
	mgr     *manager.Manager
	webhook config.WebhookConfig
	httpSrv *http.Server
	logger  zerolog.Logger
}

// NewServer creates an API server over the manager
func NewServer(mgr *manager.Manager, webhook config.WebhookConfig) *Server {
	s := &Server{
		mgr:     mgr,
		webhook: webhook,
		logger:  log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/deployments", s.handleSubmit)
	mux.HandleFunc("GET /v1/deployments/{id}", s.handleGet)
	mux.HandleFunc("GET /v1/deployments/{id}/decision", s.handleDecision)
	mux.HandleFunc("GET /v1/deployments/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /v1/webhooks/push", s.handleWebhook)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table for tests
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Start serves on addr until Stop is called
func (s *Server) Start(addr string) error {
	s.httpSrv.Addr = addr
	s.logger.Info().Str("addr", addr).Msg("api server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve api: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("api shutdown incomplete")
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var job types.DeploymentJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode job: %w", err))
		return
	}

	id, err := s.mgr.Submit(r.Context(), &job)
	if err != nil {
		switch {
		case errors.Is(err, manager.ErrDuplicateTerminal):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, manager.ErrUnknownEnvironment):
			writeError(w, http.StatusBadRequest, err)
		default:
			writeError(w, http.StatusBadRequest, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"deployment_id": id})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.mgr.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	d, err := s.mgr.Decision(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleEvents streams a deployment's events as server-sent events:
// the persisted trail first, then the live feed, with the snapshot's
// next-seq used to drop the overlap.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	sub, snapshot, err := s.mgr.Subscribe(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer s.mgr.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, snapshot)

	// Replay the persisted trail up to the snapshot boundary.
	history, err := s.mgr.Events(id, 0)
	if err != nil {
		s.logger.Warn().Err(err).Str("deployment_id", id).Msg("failed to replay events")
		return
	}
	for _, ev := range history {
		if ev.Seq >= snapshot.Snapshot.NextSeq {
			break
		}
		writeSSE(w, ev)
	}
	flusher.Flush()

	if snapshot.Snapshot.Record.Status.Terminal() {
		return
	}

	for {
		select {
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if ev.Seq < snapshot.Snapshot.NextSeq {
				continue // already replayed from the store
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Type == types.EventStatusChanged && ev.Status != nil && ev.Status.To.Terminal() {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// webhookPayload is the github-style push shape we accept
type webhookPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode webhook: %w", err))
		return
	}

	id, err := s.mgr.IngestWebhook(r.Context(), manager.WebhookPush{
		Repository: payload.Repository.FullName,
		Ref:        payload.Ref,
		CommitSHA:  payload.After,
	}, s.webhook)
	if err != nil {
		switch {
		case errors.Is(err, manager.ErrBranchFiltered):
			// Not an error from the provider's point of view.
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		case errors.Is(err, manager.ErrUnknownRepository):
			writeError(w, http.StatusNotFound, err)
		default:
			writeError(w, http.StatusBadRequest, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"deployment_id": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeSSE(w http.ResponseWriter, ev *types.DeploymentEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}
