package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/embermail/dispatch/internal/pkg/logger"
	"github.com/embermail/dispatch/internal/render"
	"github.com/embermail/dispatch/internal/store"
)

// RunFunc is one engine pass returning its JSON-ready summary. The trigger
// endpoints are wired to the campaign dispatcher and the sequence runner
// through this shape so handler tests can stub them.
type RunFunc func(ctx context.Context) (interface{}, error)

// Handlers holds the HTTP handlers and their collaborators.
type Handlers struct {
	campaigns  RunFunc
	sequences  RunFunc
	store      *store.Store
	renderer   *render.Renderer
	cronSecret string
	startTime  time.Time
	log        *logger.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(campaigns, sequences RunFunc, st *store.Store, renderer *render.Renderer, cronSecret string) *Handlers {
	return &Handlers{
		campaigns:  campaigns,
		sequences:  sequences,
		store:      st,
		renderer:   renderer,
		cronSecret: cronSecret,
		startTime:  time.Now(),
		log:        logger.With("api"),
	}
}

// RequireCronSecret rejects trigger calls whose X-Cron-Secret header does
// not match the configured value. Runs before any store access.
func (h *Handlers) RequireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cronSecret == "" {
			respondError(w, http.StatusServiceUnavailable, "cron secret not configured")
			return
		}
		provided := r.Header.Get("X-Cron-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.cronSecret)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RunCampaigns triggers one campaign dispatch pass.
//
//	POST /api/cron/campaigns
func (h *Handlers) RunCampaigns(w http.ResponseWriter, r *http.Request) {
	summary, err := h.campaigns(r.Context())
	if err != nil {
		h.log.Error("campaign run failed", "error", err)
		respondError(w, http.StatusInternalServerError, "campaign dispatch failed")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// RunSequences triggers one sequence dispatch pass.
//
//	POST /api/cron/sequences
func (h *Handlers) RunSequences(w http.ResponseWriter, r *http.Request) {
	summary, err := h.sequences(r.Context())
	if err != nil {
		h.log.Error("sequence run failed", "error", err)
		respondError(w, http.StatusInternalServerError, "sequence dispatch failed")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// Unsubscribe handles signed unsubscribe links, both browser GETs and the
// one-click POST form mail clients issue.
//
//	GET|POST /unsubscribe?email=...&token=...
func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	token := r.URL.Query().Get("token")
	if email == "" || token == "" {
		respondError(w, http.StatusBadRequest, "missing email or token")
		return
	}
	if !h.renderer.VerifyToken(email, token) {
		respondError(w, http.StatusForbidden, "invalid unsubscribe token")
		return
	}
	if err := h.store.Unsubscribe(r.Context(), email); err != nil {
		h.log.Error("unsubscribe failed", "recipient", email, "error", err)
		respondError(w, http.StatusInternalServerError, "unsubscribe failed")
		return
	}
	h.log.Info("unsubscribed", "recipient", email)

	if r.Method == http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<html><body><p>You have been unsubscribed.</p></body></html>"))
}

// HealthCheck reports server liveness and database reachability.
//
//	GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	dbStatus := "up"

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		status = "unhealthy"
		dbStatus = "down"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"status":   status,
		"database": dbStatus,
		"uptime":   time.Since(h.startTime).Round(time.Second).String(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
