package api

import (
	"errors"
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"

	"hivebot/pkg/types"
)

// strategyPayload is the wire shape of a strategy config. Enabled defaults
// to true when the field is absent.
type strategyPayload struct {
	Name              string             `json:"name"`
	Kind              types.StrategyKind `json:"kind"`
	TradingPairs      []string           `json:"trading_pairs"`
	Parameters        map[string]any     `json:"parameters"`
	RefreshIntervalMs int64              `json:"refresh_interval_ms"`
	Enabled           *bool              `json:"enabled"`
}

func (p strategyPayload) toConfig() types.StrategyConfig {
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	return types.StrategyConfig{
		Name:              p.Name,
		Kind:              p.Kind,
		TradingPairs:      p.TradingPairs,
		Parameters:        p.Parameters,
		RefreshIntervalMs: p.RefreshIntervalMs,
		Enabled:           enabled,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	doc := s.deps.Status.Status(r.Context())
	connector := "ok"
	if !doc.System.ConnectorAvailable {
		connector = "degraded"
	}
	mirror := "disabled"
	if doc.System.RemoteMirrorEnabled {
		mirror = "enabled"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"components": map[string]string{
			"api":           "ok",
			"connector":     connector,
			"remote_mirror": mirror,
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc := s.deps.Status.Status(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"system":        doc.System,
		"strategies":    doc.Strategies,
		"connector":     doc.Connector,
		"remote_mirror": doc.RemoteMirror,
	})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, _ *http.Request) {
	list := s.deps.Strategies.List()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"strategies": list,
		"count":      len(list),
	})
}

func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var payload strategyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("malformed JSON body"))
		return
	}

	snap, err := s.deps.Strategies.Create(r.Context(), payload.toConfig())
	if err != nil {
		s.writeError(w, httpStatusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"strategy": snap})
}

func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var payload strategyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("malformed JSON body"))
		return
	}
	preserveOrders := queryBool(r, "preserve_orders", false)

	snap, err := s.deps.Strategies.Update(r.Context(), name, payload.toConfig(), preserveOrders)
	if err != nil {
		s.writeError(w, httpStatusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"strategy": snap})
}

func (s *Server) handleDeleteStrategy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cancelOrders := queryBool(r, "cancel_orders", true)
	closePositions := queryBool(r, "close_positions", false)

	report, err := s.deps.Strategies.Delete(r.Context(), name, cancelOrders, closePositions)
	if err != nil {
		s.writeError(w, httpStatusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"cleanup": report,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, asOf, stale := s.deps.Positions.Positions(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"positions": positions,
		"count":     len(positions),
		"as_of":     asOf,
		"stale":     stale,
	})
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	positions, err := s.deps.Positions.ForceSync(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"positions_count": len(positions),
	})
}

func (s *Server) handleForceClose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StrategyName string `json:"strategy_name"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, errors.New("malformed JSON body"))
			return
		}
	}

	var (
		report types.ForceCloseReport
		err    error
	)
	if body.StrategyName == "" {
		report, err = s.deps.Positions.ForceCloseAll(r.Context())
	} else {
		report, err = s.deps.Positions.ForceClose(r.Context(), body.StrategyName)
	}
	if err != nil {
		s.writeError(w, httpStatusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"report":  report,
	})
}

func (s *Server) handleDebug(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{"reconciler": s.deps.Positions.Debug()}
	if s.deps.Connector != nil {
		status := "ok"
		if s.deps.Connector.Degraded() {
			status = "degraded"
		}
		payload["connector"] = map[string]any{
			"status":     status,
			"refcounts":  s.deps.Connector.Refcounts(),
			"inbox_gaps": s.deps.Connector.InboxGaps(),
		}
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleSyncFromPostgres(w http.ResponseWriter, r *http.Request) {
	if s.deps.Syncer == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("remote mirror disabled"))
		return
	}
	added, err := s.deps.Syncer.SyncFromRemote(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"added":   added,
	})
}

func queryBool(r *http.Request, key string, def bool) bool {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
