package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"dealdesk/engine/internal/server/search"
	"dealdesk/engine/internal/server/store"
)

// HTTPServer exposes the document service over HTTP. Write endpoints
// require the sync token the engine clients are configured with.
type HTTPServer struct {
	service   *Service
	syncToken string
	log       zerolog.Logger
	registry  *prometheus.Registry
}

func NewHTTPServer(service *Service, syncToken string, log zerolog.Logger, registry *prometheus.Registry) *HTTPServer {
	return &HTTPServer{service: service, syncToken: syncToken, log: log, registry: registry}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := map[string]any{"database": map[string]any{"status": "ok"}}
		if err := s.service.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, status, map[string]any{"ok": status == http.StatusOK, "checks": checks})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.registry != nil {
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		q := search.Query{
			Text:         strings.TrimSpace(r.URL.Query().Get("q")),
			FilterDealID: strings.TrimSpace(r.URL.Query().Get("dealId")),
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			q.Limit = parsed
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
				return
			}
			q.Offset = parsed
		}
		writeJSON(w, http.StatusOK, s.service.Search(q))
		return
	}

	if id, op, ok := documentRoute(r.URL.Path); ok {
		s.handleDocument(w, r, id, op)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// documentRoute splits /api/documents/{id}/{op} paths.
func documentRoute(path string) (id, op string, ok bool) {
	rest, found := strings.CutPrefix(path, "/api/documents/")
	if !found {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, id, op string) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	switch {
	case r.Method == http.MethodGet && op == "version":
		doc, err := s.service.GetDocument(r.Context(), id)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"serverVersion": doc.ServerVersion,
			"status":        doc.Status,
		})

	case r.Method == http.MethodPost && op == "draft":
		var body struct {
			DealID       string         `json:"dealId"`
			TemplateID   string         `json:"templateId"`
			LocalVersion int64          `json:"localVersion"`
			FieldValues  map[string]any `json:"fieldValues"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.LocalVersion <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "localVersion must be positive", nil)
			return
		}
		sv, err := s.service.ApplyDraft(r.Context(), id, body.DealID, body.TemplateID, body.LocalVersion, body.FieldValues)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"serverVersion": sv})

	case r.Method == http.MethodPost && op == "finalize":
		var body struct {
			LocalVersion int64  `json:"localVersion"`
			ArtifactRef  string `json:"artifactRef"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.LocalVersion <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "localVersion must be positive", nil)
			return
		}
		if strings.TrimSpace(body.ArtifactRef) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "artifactRef is required", nil)
			return
		}
		sv, err := s.service.Finalize(r.Context(), id, body.LocalVersion, body.ArtifactRef)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"serverVersion": sv})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// writeServiceError maps service errors, flattening the server version
// of a conflict into the payload so clients can decode it directly.
func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":          "CONFLICT",
			"error":         "Document version conflict",
			"serverVersion": conflict.ServerVersion,
		})
		return
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Status == http.StatusConflict {
		payload := map[string]any{"code": domainErr.Code, "error": domainErr.Message}
		if details, ok := domainErr.Details.(map[string]any); ok {
			for k, v := range details {
				payload[k] = v
			}
		}
		writeJSON(w, http.StatusConflict, payload)
		return
	}
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) authorized(r *http.Request) bool {
	if s.syncToken == "" {
		return true
	}
	return bearerToken(r) == s.syncToken
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
