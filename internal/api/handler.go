package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-sec/kestrel/internal/cases"
	"github.com/opensource-sec/kestrel/internal/domain"
	"github.com/opensource-sec/kestrel/internal/pipeline"
	"github.com/opensource-sec/kestrel/internal/rules"
	"github.com/opensource-sec/kestrel/internal/trust"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	engine   *rules.Engine
	trust    *trust.Store
	pipeline *pipeline.Pipeline
	resolver *cases.Generator
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, trustStore *trust.Store, pipe *pipeline.Pipeline, resolver *cases.Generator, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		engine:   engine,
		trust:    trustStore,
		pipeline: pipe,
		resolver: resolver,
		version:  version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
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

// CreateSessionRequest is the request body for POST /sessions.
type CreateSessionRequest struct {
	Name string `json:"name"`
}

// CreateSession registers a new analysis session in the uploaded state.
// Records are ingested separately and the pipeline is started explicitly.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	session := &domain.Session{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Name:      req.Name,
		Status:    domain.SessionUploaded,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.repo.SaveSession(ctx, tenantID, session); err != nil {
		slog.Error("failed to save session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save session")
		return
	}

	slog.Info("session created", "session_id", session.ID, "name", session.Name)
	writeJSON(w, http.StatusCreated, session)
}

// ListSessions returns all sessions for the tenant.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	sessions, err := h.repo.ListSessions(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession retrieves a session with its checkpoints and stats.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	sessionID := chi.URLParam(r, "id")

	session, err := h.repo.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		writeRepoError(w, err, "session")
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// RecordInput is one email record in an ingest request.
type RecordInput struct {
	ID                 string    `json:"id,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
	Sender             string    `json:"sender"`
	Subject            string    `json:"subject"`
	Attachments        []string  `json:"attachments,omitempty"`
	Recipients         string    `json:"recipients"`
	RecipientDomain    string    `json:"recipientDomain,omitempty"`
	Leaver             bool      `json:"leaver"`
	TerminationDate    string    `json:"terminationDate,omitempty"`
	WordlistAttachment string    `json:"wordlistAttachment,omitempty"`
	WordlistSubject    string    `json:"wordlistSubject,omitempty"`
	BusinessUnit       string    `json:"bunit,omitempty"`
	Department         string    `json:"department,omitempty"`
	UserResponse       string    `json:"userResponse,omitempty"`
	Justification      string    `json:"justification,omitempty"`
}

// IngestRequest is the request body for POST /sessions/{id}/records.
type IngestRequest struct {
	Records []RecordInput `json:"records"`
}

// IngestRecords appends a batch of email records to an uploaded session.
func (h *Handler) IngestRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	sessionID := chi.URLParam(r, "id")

	session, err := h.repo.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		writeRepoError(w, err, "session")
		return
	}
	if session.Status == domain.SessionProcessing {
		writeError(w, http.StatusConflict, "session is currently processing")
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "records is required")
		return
	}

	records := make([]*domain.EmailRecord, 0, len(req.Records))
	for _, in := range req.Records {
		if in.Sender == "" || in.Recipients == "" {
			writeError(w, http.StatusBadRequest, "sender and recipients are required")
			return
		}
		id := in.ID
		if id == "" {
			id = uuid.New().String()
		}
		recipientDomain := strings.ToLower(strings.TrimSpace(in.RecipientDomain))
		if recipientDomain == "" {
			recipientDomain = domainOf(in.Recipients)
		}
		records = append(records, &domain.EmailRecord{
			ID:                 id,
			SessionID:          sessionID,
			Timestamp:          in.Timestamp,
			Sender:             in.Sender,
			Subject:            in.Subject,
			Attachments:        in.Attachments,
			Recipients:         in.Recipients,
			RecipientDomain:    recipientDomain,
			Leaver:             in.Leaver,
			TerminationDate:    in.TerminationDate,
			WordlistAttachment: in.WordlistAttachment,
			WordlistSubject:    in.WordlistSubject,
			BusinessUnit:       in.BusinessUnit,
			Department:         in.Department,
			UserResponse:       in.UserResponse,
			Justification:      in.Justification,
		})
	}

	if err := h.repo.SaveRecords(ctx, tenantID, records); err != nil {
		slog.Error("failed to save records", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save records")
		return
	}

	session.TotalRecords += len(records)
	if err := h.repo.SaveSession(ctx, tenantID, session); err != nil {
		slog.Error("failed to update session", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update session")
		return
	}

	slog.Info("records ingested",
		"session_id", sessionID,
		"count", len(records),
		"total", session.TotalRecords,
	)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"sessionId": sessionID,
		"ingested":  len(records),
		"total":     session.TotalRecords,
	})
}

// ListRecords returns a session's records with their derived fields and
// assessments.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	sessionID := chi.URLParam(r, "id")

	records, err := h.repo.ListRecords(ctx, tenantID, sessionID)
	if err != nil {
		slog.Error("failed to list records", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// GetRecord retrieves a single record by ID.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	sessionID := chi.URLParam(r, "id")
	recordID := chi.URLParam(r, "recordID")

	record, err := h.repo.GetRecord(ctx, tenantID, sessionID, recordID)
	if err != nil {
		writeRepoError(w, err, "record")
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// RunSessionRequest is the request body for POST /sessions/{id}/run.
type RunSessionRequest struct {
	// Async submits the run to the event bus for a worker to pick up
	// instead of executing inline.
	Async bool `json:"async,omitempty"`
}

// RunSession executes the assessment pipeline for a session. A concurrent
// run on the same session is rejected with 409; re-running a completed
// session resumes from its checkpoints.
func (h *Handler) RunSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	sessionID := chi.URLParam(r, "id")

	var req RunSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON request body")
			return
		}
	}

	if req.Async {
		if h.bus == nil {
			writeError(w, http.StatusServiceUnavailable, "event bus not available")
			return
		}
		payload, _ := json.Marshal(map[string]string{"sessionId": sessionID})
		if err := h.bus.Publish(ctx, tenantID, domain.TopicSessionSubmitted, payload); err != nil {
			slog.Error("failed to submit session", "session_id", sessionID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to submit session")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"sessionId": sessionID,
			"status":    "submitted",
		})
		return
	}

	session, err := h.pipeline.Run(ctx, tenantID, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrStateConflict):
			writeError(w, http.StatusConflict, "session is already being processed")
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		default:
			slog.Error("pipeline run failed", "session_id", sessionID, "error", err)
			writeError(w, http.StatusInternalServerError, "pipeline run failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// FactorInsight aggregates one risk factor across a session's assessments.
type FactorInsight struct {
	Factor       string  `json:"factor"`
	AverageValue float64 `json:"averageValue"`
	Contribution float64 `json:"contribution"`
	Records      int     `json:"records"`
}

// SessionInsights returns the risk summary for a completed session: level
// distribution, anomaly rate, average risk, and the top contributing
// factors across all assessed records.
func (h *Handler) SessionInsights(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	sessionID := chi.URLParam(r, "id")

	session, err := h.repo.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		writeRepoError(w, err, "session")
		return
	}

	records, err := h.repo.ListRecords(ctx, tenantID, sessionID)
	if err != nil {
		slog.Error("failed to list records", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId":  sessionID,
		"status":     session.Status,
		"stats":      session.Stats,
		"topFactors": topFactors(records, 5),
	})
}

// topFactors ranks factors by their summed contribution across assessed
// records.
func topFactors(records []*domain.EmailRecord, limit int) []FactorInsight {
	type agg struct {
		value        float64
		contribution float64
		count        int
	}
	byFactor := make(map[string]*agg)
	for _, record := range records {
		if record.Assessment == nil {
			continue
		}
		for _, f := range record.Assessment.Factors {
			a, ok := byFactor[f.Factor]
			if !ok {
				a = &agg{}
				byFactor[f.Factor] = a
			}
			a.value += f.Value
			a.contribution += f.Contribution
			a.count++
		}
	}

	insights := make([]FactorInsight, 0, len(byFactor))
	for factor, a := range byFactor {
		insights = append(insights, FactorInsight{
			Factor:       factor,
			AverageValue: a.value / float64(a.count),
			Contribution: a.contribution,
			Records:      a.count,
		})
	}
	sort.Slice(insights, func(i, j int) bool {
		if insights[i].Contribution != insights[j].Contribution {
			return insights[i].Contribution > insights[j].Contribution
		}
		return insights[i].Factor < insights[j].Factor
	})
	if len(insights) > limit {
		insights = insights[:limit]
	}
	return insights
}

// ListCases returns cases, optionally filtered by session via ?session=.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	sessionID := r.URL.Query().Get("session")

	list, err := h.repo.ListCases(ctx, tenantID, sessionID)
	if err != nil {
		slog.Error("failed to list cases", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list cases")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cases": list,
		"count": len(list),
	})
}

// GetCase retrieves a case by ID.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	caseID := chi.URLParam(r, "id")

	c, err := h.repo.GetCase(ctx, tenantID, caseID)
	if err != nil {
		writeRepoError(w, err, "case")
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// CaseStatusRequest is the request body for POST /cases/{id}/status.
type CaseStatusRequest struct {
	Status domain.CaseStatus `json:"status"`
	Actor  string            `json:"actor"`
	Note   string            `json:"note,omitempty"`
}

// UpdateCaseStatus moves a case through its status machine. Terminal cases
// reject further transitions with 409.
func (h *Handler) UpdateCaseStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	caseID := chi.URLParam(r, "id")

	var req CaseStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Status == "" || req.Actor == "" {
		writeError(w, http.StatusBadRequest, "status and actor are required")
		return
	}

	c, err := h.resolver.Resolve(ctx, tenantID, caseID, req.Status, req.Actor, req.Note)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "case not found")
		case errors.Is(err, domain.ErrStateConflict):
			writeError(w, http.StatusConflict, err.Error())
		default:
			slog.Error("failed to update case", "case_id", caseID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to update case")
		}
		return
	}

	slog.Info("case status updated", "case_id", caseID, "status", req.Status, "actor", req.Actor)
	writeJSON(w, http.StatusOK, c)
}

// ListRules returns the tenant's rules, optionally filtered by
// ?category=exclusion|security. Disabled rules are included.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	category := domain.RuleCategory(r.URL.Query().Get("category"))

	list, err := h.repo.ListRules(ctx, tenantID, category)
	if err != nil {
		slog.Error("failed to list rules", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": list,
		"count": len(list),
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	rule, err := h.repo.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		writeRepoError(w, err, "rule")
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates and persists a rule. The rule takes effect on the
// next pipeline run; running sessions keep their loaded snapshot.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var rule domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := h.engine.ValidateRule(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule: "+err.Error())
		return
	}

	rule.TenantID = tenantID
	if err := h.repo.SaveRule(ctx, tenantID, &rule); err != nil {
		slog.Error("failed to save rule", "rule_id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	slog.Info("rule created", "rule_id", rule.ID, "name", rule.Name, "category", rule.Category)
	writeJSON(w, http.StatusCreated, rule)
}

// DeleteRule soft-deletes a rule. The rule remains listed as disabled.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	if err := h.repo.DeleteRule(ctx, tenantID, ruleID); err != nil {
		writeRepoError(w, err, "rule")
		return
	}

	slog.Info("rule disabled", "rule_id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule disabled",
	})
}

// TestRuleRequest is the request body for POST /rules/test.
type TestRuleRequest struct {
	Rule      domain.Rule `json:"rule"`
	SessionID string      `json:"sessionId"`
}

// TestRule dry-runs a rule against a session's records and reports its
// impact without persisting anything.
func (h *Handler) TestRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req TestRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	records, err := h.repo.ListRecords(ctx, tenantID, req.SessionID)
	if err != nil {
		slog.Error("failed to list records", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}

	matched, err := h.engine.TestRule(&req.Rule, records)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule: "+err.Error())
		return
	}

	matchPct := 0.0
	if len(records) > 0 {
		matchPct = float64(len(matched)) / float64(len(records)) * 100
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"matchedRecords":  matched,
		"matchCount":      len(matched),
		"totalRecords":    len(records),
		"matchPercentage": matchPct,
	})
}

// ListProfiles returns the tenant's domain profiles.
func (h *Handler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	profiles, err := h.repo.ListProfiles(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list profiles", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list profiles")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles": profiles,
		"count":    len(profiles),
	})
}

// GetProfile retrieves a domain profile.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	name := chi.URLParam(r, "domain")

	profile, err := h.repo.GetProfile(ctx, tenantID, name)
	if err != nil {
		writeRepoError(w, err, "profile")
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// WhitelistRequest is the request body for POST /whitelist.
type WhitelistRequest struct {
	Domain      string `json:"domain"`
	Whitelisted bool   `json:"whitelisted"`
	Actor       string `json:"actor"`
	Notes       string `json:"notes,omitempty"`
}

// SetWhitelist flips a domain's manual-whitelist flag. Whitelisting
// saturates the trust score; subdomains inherit the entry.
func (h *Handler) SetWhitelist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req WhitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Domain == "" || req.Actor == "" {
		writeError(w, http.StatusBadRequest, "domain and actor are required")
		return
	}

	profile, err := h.trust.SetManualWhitelist(ctx, tenantID, req.Domain, req.Whitelisted, req.Actor, req.Notes)
	if err != nil {
		if errors.Is(err, domain.ErrData) {
			writeError(w, http.StatusBadRequest, "invalid domain")
			return
		}
		slog.Error("failed to update whitelist", "domain", req.Domain, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update whitelist")
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// WhitelistRecommendations surfaces domains worth whitelisting based on
// observed communication patterns.
func (h *Handler) WhitelistRecommendations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	recs, err := h.trust.Recommendations(ctx, tenantID)
	if err != nil {
		slog.Error("failed to compute recommendations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute recommendations")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recommendations": recs,
		"count":           len(recs),
	})
}

// domainOf extracts the domain part of the first recipient address.
func domainOf(recipients string) string {
	first := recipients
	if idx := strings.IndexAny(first, ";,"); idx >= 0 {
		first = first[:idx]
	}
	at := strings.LastIndex(first, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(first[at+1:]))
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeRepoError maps repository errors onto HTTP statuses.
func writeRepoError(w http.ResponseWriter, err error, entity string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, entity+" not found")
	case errors.Is(err, domain.ErrData):
		writeError(w, http.StatusBadRequest, "invalid "+entity+" request")
	default:
		slog.Error("repository error", "entity", entity, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
