// Package httpapi is the thin HTTP adapter over the core: it exposes the
// start/cancel operations to the request layer plus the operational
// /healthz and /metrics endpoints. The product-facing web layer lives in a
// separate service.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailgrab/mailgrab/cancel"
	"github.com/mailgrab/mailgrab/consts"
	"github.com/mailgrab/mailgrab/db"
	"github.com/mailgrab/mailgrab/detect"
	"github.com/mailgrab/mailgrab/logger"
	"github.com/mailgrab/mailgrab/pkg/idgen"
	"github.com/mailgrab/mailgrab/queue"
	"github.com/mailgrab/mailgrab/session"
	"github.com/mailgrab/mailgrab/syncer"
)

// Options holds the server configuration.
type Options struct {
	Addr   string
	APIKey string // empty disables auth on /api routes
}

// Server wires the HTTP surface to the core components.
type Server struct {
	addr     string
	apiKey   string
	database *db.Database
	detector *detect.Detector
	registry *cancel.Registry
	manager  *queue.Manager
	syncs    *syncer.Orchestrator

	server *http.Server
}

// New creates the HTTP API server.
func New(database *db.Database, detector *detect.Detector, registry *cancel.Registry, manager *queue.Manager, syncs *syncer.Orchestrator, options Options) *Server {
	return &Server{
		addr:     options.Addr,
		apiKey:   options.APIKey,
		database: database,
		detector: detector,
		registry: registry,
		manager:  manager,
		syncs:    syncs,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, errChan chan<- error) {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.setupRoutes(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTPAPI: shutdown failed", "error", err)
		}
	}()

	logger.Info("HTTPAPI: listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- err
	}
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)
	v1.HandleFunc("/detect", s.handleDetect).Methods("POST")
	v1.HandleFunc("/operations/{id}/cancel", s.handleCancelOperation).Methods("POST")
	v1.HandleFunc("/operations/cancel", s.handleCancelBatch).Methods("POST")
	v1.HandleFunc("/accounts/{id}/sync", s.handleStartSync).Methods("POST")
	v1.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	v1.HandleFunc("/queue/jobs/{id}", s.handleRemoveQueuedJob).Methods("DELETE")

	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTPAPI: request",
			"method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr,
			"duration", time.Since(start))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancelFn := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancelFn()
	if err := s.database.Pool.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type detectRequest struct {
	Email    string               `json:"email"`
	Password string               `json:"password"`
	Session  string               `json:"session,omitempty"`
	Owner    string               `json:"owner,omitempty"`
	Timeout  string               `json:"timeout,omitempty"`
	Proxy    *session.ProxyConfig `json:"proxy,omitempty"`
}

type detectResponse struct {
	Success              bool             `json:"success"`
	OperationID          string           `json:"operation_id"`
	TestedConfigurations int              `json:"tested_configurations"`
	Provider             *detect.Provider `json:"provider,omitempty"`
	Error                string           `json:"error,omitempty"`
}

// handleDetect runs a detection synchronously. The operation is registered
// so a concurrent cancel request can abort it mid-flight.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	opts := detect.Options{Proxy: req.Proxy}
	if req.Timeout != "" {
		timeout, err := time.ParseDuration(req.Timeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		opts.Timeout = timeout
	}

	opID := idgen.WithPrefix(req.Session)
	ctx, cancelFn := context.WithCancel(r.Context())
	defer cancelFn()
	s.registry.Register(opID, cancel.KindDetect, req.Owner, cancelFn, nil)
	defer s.registry.Unregister(opID)

	result := s.detector.Detect(ctx, req.Email, req.Password, opts)

	resp := detectResponse{
		Success:              result.Success,
		OperationID:          opID,
		TestedConfigurations: result.TestedConfigurations,
		Provider:             result.Provider,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.registry.Cancel(id) {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		writeError(w, http.StatusBadRequest, "prefix is required")
		return
	}
	count := s.registry.CancelByPrefix(prefix)
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": count})
}

type startSyncRequest struct {
	Owner   string               `json:"owner,omitempty"`
	Folders []string             `json:"folders,omitempty"`
	Proxy   *session.ProxyConfig `json:"proxy,omitempty"`
}

// handleStartSync creates a persisted sync job and queues its execution on
// the owner's queue.
func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	var req startSyncRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	account, err := s.database.GetAccount(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, consts.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "account lookup failed")
		return
	}
	owner := req.Owner
	if owner == "" {
		owner = account.OwnerID
	}

	syncJobID, err := s.database.CreateSyncJob(r.Context(), accountID, owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create sync job")
		return
	}

	folders := req.Folders
	proxy := req.Proxy
	job, err := s.manager.Submit(owner, queue.KindSync, func(ctx context.Context) error {
		return s.syncs.Run(ctx, syncJobID, accountID, folders, proxy, owner)
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"sync_job_id":  syncJobID,
		"queue_job_id": job.ID,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	rec, err := s.database.GetSyncJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, consts.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRemoveQueuedJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.manager.Remove(id) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debug("HTTPAPI: response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
