// Package api is the control-plane HTTP surface an external supervisor
// drives: strategy CRUD, system status, position views, and forced cleanup.
// Mutating endpoints require an X-Wallet-Address header; authorization is
// delegated to the supervisor, so any non-empty value passes. CORS is
// permissive because the instance only ever sits behind that supervisor.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"hivebot/internal/reconciler"
	"hivebot/internal/registry"
	"hivebot/internal/store"
	"hivebot/pkg/types"
)

const shutdownGrace = 5 * time.Second

// StrategyService is the registry surface the API drives.
type StrategyService interface {
	Create(ctx context.Context, cfg types.StrategyConfig) (registry.Snapshot, error)
	Update(ctx context.Context, name string, cfg types.StrategyConfig, preserveOrders bool) (registry.Snapshot, error)
	Delete(ctx context.Context, name string, cancelOrders, closePositions bool) (types.CleanupReport, error)
	Get(name string) (registry.Snapshot, error)
	List() []registry.Snapshot
}

// PositionService is the reconciler surface the API drives.
type PositionService interface {
	Positions(ctx context.Context) ([]types.Position, time.Time, bool)
	ForceSync(ctx context.Context) ([]types.Position, error)
	ForceClose(ctx context.Context, strategyName string) (types.ForceCloseReport, error)
	ForceCloseAll(ctx context.Context) (types.ForceCloseReport, error)
	Debug() reconciler.DebugInfo
}

// ConnectorInfo exposes connector diagnostics for the debug endpoint.
type ConnectorInfo interface {
	Refcounts() map[string]int
	InboxGaps() map[string]uint64
	Degraded() bool
}

// StatusProvider builds the /api/status document.
type StatusProvider interface {
	Status(ctx context.Context) StatusDoc
}

// RemoteSyncer pulls mirrored configs in; nil when mirroring is disabled.
type RemoteSyncer interface {
	SyncFromRemote(ctx context.Context) (added int, err error)
}

// StatusDoc is the system snapshot served by /api/status.
type StatusDoc struct {
	System       SystemStatus     `json:"system"`
	Strategies   StrategyTotals   `json:"strategies"`
	Connector    ConnectorStatus  `json:"connector"`
	RemoteMirror RemoteMirrorInfo `json:"remote_mirror"`
}

type SystemStatus struct {
	ConnectorAvailable  bool `json:"connector_available"`
	RemoteMirrorEnabled bool `json:"remote_mirror_enabled"`
}

type StrategyTotals struct {
	Total   int `json:"total"`
	Running int `json:"running"`
	Errored int `json:"errored"`
}

type ConnectorStatus struct {
	Status         string `json:"status"` // "ok" or "degraded"
	Balance        string `json:"balance"`
	PositionsCount int    `json:"positions_count"`
}

type RemoteMirrorInfo struct {
	Connected bool      `json:"connected"`
	LastSync  time.Time `json:"last_sync"`
}

// Deps are the collaborators the server needs.
type Deps struct {
	Strategies StrategyService
	Positions  PositionService
	Status     StatusProvider
	Connector  ConnectorInfo
	Syncer     RemoteSyncer
}

// Server is the HTTP control plane.
type Server struct {
	deps   Deps
	logger *slog.Logger
	http   *http.Server
}

// New builds the server listening on port.
func New(port int, deps Deps, logger *slog.Logger) *Server {
	s := &Server{deps: deps, logger: logger.With("component", "api")}
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.HandleFunc("GET /api/strategies", s.handleListStrategies)
	mux.HandleFunc("POST /api/strategies", s.requireWallet(s.handleCreateStrategy))
	mux.HandleFunc("PUT /api/strategies/{name}", s.requireWallet(s.handleUpdateStrategy))
	mux.HandleFunc("DELETE /api/strategies/{name}", s.requireWallet(s.handleDeleteStrategy))

	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("POST /api/positions/force-sync", s.requireWallet(s.handleForceSync))
	mux.HandleFunc("POST /api/positions/force-close", s.requireWallet(s.handleForceClose))
	mux.HandleFunc("GET /api/positions/debug", s.handleDebug)

	mux.HandleFunc("POST /api/sync-from-postgres", s.requireWallet(s.handleSyncFromPostgres))

	return s.cors(s.logRequests(mux))
}

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Wallet-Address")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

// requireWallet gates mutating endpoints on a non-empty X-Wallet-Address.
func (s *Server) requireWallet(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Wallet-Address") == "" {
			s.writeError(w, http.StatusUnauthorized, errors.New("X-Wallet-Address header required"))
			return
		}
		next(w, r)
	}
}

// writeJSON stamps every response with server time.
func (s *Server) writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]any{"error": err.Error()})
}

// httpStatusFor maps domain errors onto status codes. Operator mistakes are
// 4xx and never logged as orchestrator errors.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, registry.ErrUnknownStrategy):
		return http.StatusNotFound
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
