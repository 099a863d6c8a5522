package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/scrypster/memvault/internal/engine"
	"github.com/scrypster/memvault/internal/router"
	"github.com/scrypster/memvault/pkg/types"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// MemoryService is the subset of engine.MemoryService the API serves.
type MemoryService interface {
	Store(ctx context.Context, req engine.StoreRequest) (*engine.StoreResult, error)
	Retrieve(ctx context.Context, req engine.RetrieveRequest) (*engine.RetrieveResult, error)
	Get(ctx context.Context, id string) (*types.Record, error)
	Update(ctx context.Context, id string, patch types.Patch) (*types.Record, error)
	Delete(ctx context.Context, id string) error
	Backends() []router.BackendStatus
}

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// apiHandlers contains HTTP handlers for the REST API.
type apiHandlers struct {
	svc MemoryService
}

// CreateMemory handles POST /api/memories.
func (h *apiHandlers) CreateMemory(w http.ResponseWriter, r *http.Request) {
	var req engine.StoreRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	res, err := h.svc.Store(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

// ListMemories handles GET /api/memories. Query parameters: project
// (required), category, q, mode, limit and meta.<key>=<value> filters.
func (h *apiHandlers) ListMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := engine.RetrieveRequest{
		ProjectScope: q.Get("project"),
		Category:     types.Category(q.Get("category")),
		QueryText:    q.Get("q"),
		Mode:         types.Capability(q.Get("mode")),
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "VALIDATION_FAILED", "limit must be a non-negative integer", nil)
			return
		}
		req.Limit = limit
	}
	for key, values := range q {
		if name, ok := strings.CutPrefix(key, "meta."); ok && name != "" && len(values) > 0 {
			if req.Metadata == nil {
				req.Metadata = types.Metadata{}
			}
			req.Metadata[name] = values[0]
		}
	}

	res, err := h.svc.Retrieve(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// GetMemory handles GET /api/memories/{id}.
func (h *apiHandlers) GetMemory(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// UpdateMemory handles PATCH /api/memories/{id}.
func (h *apiHandlers) UpdateMemory(w http.ResponseWriter, r *http.Request) {
	var patch types.Patch
	if !decodeBody(w, r, &patch) {
		return
	}
	rec, err := h.svc.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// DeleteMemory handles DELETE /api/memories/{id}.
func (h *apiHandlers) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListBackends handles GET /api/backends.
func (h *apiHandlers) ListBackends(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"backends": h.svc.Backends()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_FAILED", "invalid request body", err)
		return false
	}
	return true
}

// statusFor maps a service error onto an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case types.IsValidation(err):
		return http.StatusBadRequest, "VALIDATION_FAILED"
	case types.IsTimeout(err):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case types.IsNotFound(err):
		return http.StatusNotFound, "NOT_FOUND"
	case types.IsUnavailable(err):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "CANCELLED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func respondServiceError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)

	details := map[string]any{}
	var re *types.RoutingError
	if errors.As(err, &re) && len(re.Attempts) > 0 {
		attempts := make([]map[string]string, 0, len(re.Attempts))
		for _, a := range re.Attempts {
			attempts = append(attempts, map[string]string{"backend": a.Backend, "result": a.Reason()})
		}
		details["attempts"] = attempts
	}
	var te *types.TimeoutError
	if errors.As(err, &te) {
		details["ambiguous"] = te.Ambiguous
		if te.Backend != "" {
			details["backend"] = te.Backend
		}
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if len(details) == 0 {
		details = nil
	}
	if status == http.StatusInternalServerError {
		log.Printf("server: %v", err)
	}
	respondJSON(w, status, ErrorResponse{Error: err.Error(), Code: code, Details: details})
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent.
		log.Printf("server: failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = map[string]any{"error": err.Error()}
	}
	respondJSON(w, statusCode, resp)
}
