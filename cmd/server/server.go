package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/redirects/internal/logger"
	"github.com/liamcoop/redirects/redirects"
)

const defaultActor = "api"

type pinger interface {
	PingContext(ctx context.Context) error
}

// Server holds the management API and the redirect front end
type Server struct {
	db         pinger
	cache      *redirects.RuleCache
	service    *redirects.Service
	resolver   *redirects.Resolver
	adminToken string
	router     *chi.Mux
}

// NewServer builds both routers. db may be nil when there is no database
// to report on.
func NewServer(db pinger, cache *redirects.RuleCache, service *redirects.Service, resolver *redirects.Resolver, adminToken string) *Server {
	s := &Server{
		db:         db,
		cache:      cache,
		service:    service,
		resolver:   resolver,
		adminToken: adminToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Route("/api/v1/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Get("/unique/{uniqueId}", s.handleGetRuleByUniqueID)

			r.Route("/{ruleId}", func(r chi.Router) {
				r.Get("/", s.handleGetRule)
				r.Put("/", s.handleUpdateRule)
				r.Delete("/", s.handleDeleteRule)
			})
		})

		r.Post("/api/v1/cache/refresh", s.handleRefreshCache)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// RedirectHandler serves the public listener: matching hosts are
// redirected, everything else gets a 404
func (s *Server) RedirectHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.resolver.Middleware)

	// chi only runs the middleware stack once a route exists
	r.Handle("/*", http.HandlerFunc(noRedirect))
	r.NotFound(noRedirect)
	return r
}

func noRedirect(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "no redirect configured for this host", http.StatusNotFound)
}

// requireToken checks the bearer token when one is configured
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="redirects"`)
			respondError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "healthy",
		CacheLoaded: s.cache.Loaded(),
		CachedRules: s.cache.Len(),
	}

	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	var filter *redirects.Filter
	if expr := r.URL.Query().Get("filter"); expr != "" {
		var err error
		if filter, err = redirects.CompileFilter(expr); err != nil {
			respondError(w, http.StatusBadRequest, "invalid filter", err)
			return
		}
	}

	rules, err := s.service.List(r.Context(), filter)
	if err != nil {
		respondServiceError(w, "failed to list rules", err)
		return
	}

	resp := RulesListResponse{Rules: rules, Count: len(rules)}
	if filter != nil {
		resp.Filter = filter.String()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := s.service.Add(r.Context(), req, actor(r))
	if err != nil {
		respondServiceError(w, "failed to add rule", err)
		return
	}

	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule id", err)
		return
	}

	rule, err := s.service.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, "rule not found", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleGetRuleByUniqueID(w http.ResponseWriter, r *http.Request) {
	uniqueID, err := uuid.Parse(chi.URLParam(r, "uniqueId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid unique id", err)
		return
	}

	rule, err := s.service.GetByUniqueID(r.Context(), uniqueID)
	if err != nil {
		respondServiceError(w, "rule not found", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule id", err)
		return
	}

	var req UpdateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := s.service.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, "rule not found", err)
		return
	}

	req.apply(rule)
	if err := s.service.Save(r.Context(), rule, actor(r)); err != nil {
		respondServiceError(w, "failed to update rule", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule id", err)
		return
	}

	rule, err := s.service.DeleteByID(r.Context(), id, actor(r))
	if err != nil {
		respondServiceError(w, "failed to delete rule", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"message": "rule deleted",
		"rule":    rule,
	})
}

func (s *Server) handleRefreshCache(w http.ResponseWriter, r *http.Request) {
	s.service.RefreshAll(r.Context(), actor(r))

	respondJSON(w, http.StatusAccepted, map[string]string{
		"status": "refresh published",
	})
}

func ruleID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "ruleId")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%q is not a positive integer", raw)
	}
	return id, nil
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return defaultActor
}

// Helper functions

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

// respondServiceError maps domain errors onto HTTP status codes
func respondServiceError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, redirects.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, redirects.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, redirects.ErrConflict):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		logger.Error(message, "error", err)
	}
	respondError(w, status, message, err)
}
