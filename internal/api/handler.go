package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opencivic/speedguard/internal/detect"
	"github.com/opencivic/speedguard/internal/domain"
	"github.com/opencivic/speedguard/internal/export"
	"github.com/opencivic/speedguard/internal/lifecycle"
	"github.com/opencivic/speedguard/internal/rules"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     *detect.Service
	alerts  *lifecycle.Manager
	repo    domain.Repository
	cache   domain.Cache
	engine  *rules.Engine
	version string
}

// NewHandler creates a new API handler.
func NewHandler(svc *detect.Service, alerts *lifecycle.Manager, repo domain.Repository, cache domain.Cache, engine *rules.Engine, version string) *Handler {
	return &Handler{
		svc:     svc,
		alerts:  alerts,
		repo:    repo,
		cache:   cache,
		engine:  engine,
		version: version,
	}
}

// IngestRequest is the request body for POST /ingest.
type IngestRequest struct {
	Rows []domain.RawRow `json:"rows"`
}

// Ingest handles POST /ingest: validates, deduplicates, and persists a
// batch, then runs delta detection and opens alerts for new crossings.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if len(req.Rows) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rows is required and must not be empty",
		})
		return
	}

	result, err := h.svc.IngestBatch(ctx, req.Rows)
	if err != nil {
		slog.Error("batch ingest failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "batch ingest failed",
		})
		return
	}

	slog.Info("batch ingested via api",
		"batch_id", result.Report.BatchID,
		"received", result.Report.Received,
		"accepted", result.Report.Accepted,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	writeJSON(w, http.StatusOK, result)
}

// GetRoster handles GET /roster/{kind}?reference=RFC3339.
// The reference instant defaults to now.
func (h *Handler) GetRoster(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	kind, err := parseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	reference, err := parseReference(r.URL.Query().Get("reference"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	roster, err := h.svc.BuildRoster(ctx, kind, reference)
	if err != nil {
		slog.Error("roster build failed", "kind", kind, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "roster build failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":      kind,
		"reference": reference,
		"count":     len(roster),
		"roster":    roster,
	})
}

// ExportRoster handles GET /export/{kind}: one CSV row per entity.
func (h *Handler) ExportRoster(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	kind, err := parseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	reference, err := parseReference(r.URL.Query().Get("reference"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	roster, err := h.svc.BuildRoster(ctx, kind, reference)
	if err != nil {
		slog.Error("roster build failed", "kind", kind, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "roster build failed",
		})
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-roster.csv"`, kind))
	if err := export.WriteEntityCSV(w, roster); err != nil {
		slog.Error("csv export failed", "kind", kind, "error", err)
	}
}

// ExportDetail handles GET /export/{kind}/detail: one CSV row per
// entity-violation pair.
func (h *Handler) ExportDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	kind, err := parseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	reference, err := parseReference(r.URL.Query().Get("reference"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	roster, err := h.svc.BuildRoster(ctx, kind, reference)
	if err != nil {
		slog.Error("roster build failed", "kind", kind, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "roster build failed",
		})
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-detail.csv"`, kind))
	if err := export.WriteDetailCSV(w, roster, h.svc.Snapshot(kind)); err != nil {
		slog.Error("csv export failed", "kind", kind, "error", err)
	}
}

// ListAlerts handles GET /alerts?status=NOTICE_SENT.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	status := domain.AlertStatus(r.URL.Query().Get("status"))
	alerts, err := h.repo.ListAlerts(ctx, status)
	if err != nil {
		slog.Error("failed to list alerts", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list alerts",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert handles GET /alerts/{id}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	alertID := chi.URLParam(r, "id")

	if alertID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "alert id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	alert, err := h.repo.GetAlert(ctx, alertID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "alert not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// AlertActionRequest is the optional body for alert transitions.
type AlertActionRequest struct {
	Notes string `json:"notes,omitempty"`
}

// MarkFollowUpDue handles POST /alerts/{id}/follow-up.
func (h *Handler) MarkFollowUpDue(w http.ResponseWriter, r *http.Request) {
	h.transitionAlert(w, r, func(alertID, _ string) (*domain.EnforcementAlert, error) {
		return h.alerts.MarkFollowUpDue(r.Context(), alertID)
	})
}

// ConfirmAlert handles POST /alerts/{id}/confirm.
func (h *Handler) ConfirmAlert(w http.ResponseWriter, r *http.Request) {
	h.transitionAlert(w, r, func(alertID, notes string) (*domain.EnforcementAlert, error) {
		return h.alerts.Confirm(r.Context(), alertID, notes)
	})
}

// EscalateAlert handles POST /alerts/{id}/escalate.
func (h *Handler) EscalateAlert(w http.ResponseWriter, r *http.Request) {
	h.transitionAlert(w, r, func(alertID, notes string) (*domain.EnforcementAlert, error) {
		return h.alerts.Escalate(r.Context(), alertID, notes)
	})
}

func (h *Handler) transitionAlert(w http.ResponseWriter, r *http.Request, apply func(alertID, notes string) (*domain.EnforcementAlert, error)) {
	alertID := chi.URLParam(r, "id")
	if alertID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "alert id is required",
		})
		return
	}

	if h.alerts == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "alert lifecycle not available",
		})
		return
	}

	var req AlertActionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	alert, err := apply(alertID, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidTransition):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "alert not found"})
		}
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// SweepAlerts handles POST /alerts/sweep: advances every overdue
// NOTICE_SENT alert to FOLLOW_UP_DUE.
func (h *Handler) SweepAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.alerts == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "alert lifecycle not available",
		})
		return
	}

	advanced, err := h.alerts.SweepDue(ctx)
	if err != nil {
		slog.Error("alert sweep failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "alert sweep failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"advanced": advanced,
	})
}

// ListRuns handles GET /runs?limit=50.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	runs, err := h.repo.ListDetectionRuns(ctx, limit)
	if err != nil {
		slog.Error("failed to list detection runs", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list detection runs",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Stats())
}

// ListRules returns all loaded screening rules from the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule engine not available",
		})
		return
	}

	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	if h.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule engine not available",
		})
		return
	}

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a screening rule.
type CreateRuleRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Severity    string `json:"severity,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// CreateRule creates a new screening rule and saves it to the database.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Validate
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	rule := &domain.FlagRule{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Severity:    req.Severity,
		Enabled:     req.Enabled,
	}

	// Validate CEL expression by attempting to load
	if err := h.engine.LoadRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	// Persist to repository
	if h.repo != nil {
		if err := h.repo.SaveFlagRule(ctx, rule); err != nil {
			slog.Error("failed to save rule", "id", rule.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	slog.Info("rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	dbRules, err := h.repo.ListFlagRules(ctx)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

func parseKind(raw string) (domain.EntityKind, error) {
	switch domain.EntityKind(raw) {
	case domain.EntityDriver:
		return domain.EntityDriver, nil
	case domain.EntityVehicle:
		return domain.EntityVehicle, nil
	}
	return "", fmt.Errorf("unknown entity kind %q, want driver or vehicle", raw)
}

func parseReference(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().UTC(), nil
	}
	ref, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("reference must be RFC3339: %v", err)
	}
	return ref.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
