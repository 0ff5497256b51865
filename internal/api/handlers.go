package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sacha-l/ResearchOS/internal/observability"
	"github.com/sacha-l/ResearchOS/internal/ratelimit"
	"github.com/sacha-l/ResearchOS/internal/research"
	"github.com/sacha-l/ResearchOS/internal/storage"
	"github.com/sacha-l/ResearchOS/internal/validate"
)

const (
	maxRequestBodySize  = 1 << 20  // 1MB
	maxSnapshotBodySize = 32 << 20 // 32MB
)

// SubmitRequest is the JSON body for POST /queries.
type SubmitRequest struct {
	Question string `json:"question"`
	UserID   string `json:"user_id"`
}

// NewHandler returns the HTTP handler for the research query service.
// When adminToken is non-empty, the management endpoints (config, cleanup,
// backup) require it as a bearer token; read endpoints stay open.
func NewHandler(svc *research.Service, adminToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", observability.MetricsHandler())

	r.Post("/queries", handleSubmit(svc))
	r.Get("/queries/{id}", handleGetQuery(svc))
	r.Get("/users/{userID}/queries", handleListUserQueries(svc))
	r.Get("/stats", handleStats(svc))

	r.Group(func(admin chi.Router) {
		if adminToken != "" {
			admin.Use(BearerAuth(adminToken))
		}
		admin.Get("/service-config", handleGetConfig(svc))
		admin.Put("/service-config/ai", handleSetAIConfig(svc))
		admin.Post("/cleanup", handleCleanup(svc))
		admin.Get("/backup", handleExport(svc))
		admin.Post("/backup", handleImport(svc))
	})

	return r
}

// requestID tags each request with a uuid for log correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-Id", id)
		slog.Debug("request", "request_id", id, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleSubmit(svc *research.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		q, err := svc.Submit(r.Context(), req.Question, req.UserID)
		var vErr *validate.Error
		var rlErr *ratelimit.Error
		switch {
		case errors.As(err, &vErr):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", vErr)
			return
		case errors.As(err, &rlErr):
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", rlErr.RetryAfter.Seconds()))
			httpError(w, http.StatusTooManyRequests, "rate_limit_error", "%v", rlErr)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to submit query: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(q)
	}
}

func handleGetQuery(svc *research.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		q, err := svc.Get(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "query not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get query: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(q)
	}
}

func handleListUserQueries(svc *research.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")

		queries, err := svc.ListByUser(userID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list queries: %v", err)
			return
		}
		if queries == nil {
			queries = []storage.Query{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(queries)
	}
}

func handleStats(svc *research.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute stats: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st)
	}
}

func handleGetConfig(svc *research.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := svc.Config()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get config: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cfg)
	}
}

func handleSetAIConfig(svc *research.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var ai storage.AIServiceConfig
		if err := json.NewDecoder(r.Body).Decode(&ai); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if ai.Endpoint == "" || ai.Model == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "endpoint and model are required")
			return
		}

		if err := svc.SetAIConfig(ai); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to set config: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
	}
}

type cleanupRequest struct {
	MaxAgeSeconds int `json:"max_age_seconds"`
}

func handleCleanup(svc *research.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req cleanupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.MaxAgeSeconds <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "max_age_seconds must be positive")
			return
		}

		removed, err := svc.Cleanup(time.Duration(req.MaxAgeSeconds) * time.Second)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "cleanup failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"removed": removed})
	}
}

func handleExport(svc *research.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := svc.Export()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "export failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
	}
}

func handleImport(svc *research.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxSnapshotBodySize)
		defer r.Body.Close()

		var snap storage.Snapshot
		if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid snapshot: %v", err)
			return
		}

		if err := svc.Import(snap); err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "import failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "imported"})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
