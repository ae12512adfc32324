package runtime

import (
	"net/http"
	"strings"

	"github.com/fengb3/streambus/internal/runtime/config"
	"github.com/fengb3/streambus/internal/runtime/jsoncodec"
)

// StartWebUIServer mounts the JSON endpoints on WebUIPort. The server itself
// is started by Start.
func (s *Service) StartWebUIServer() {
	if !s.Conf.WebUIEnabled {
		return
	}

	port := s.Conf.WebUIPort
	if port == 0 {
		port = config.DefaultWebUIPort
	}

	s.RegisterHTTPHandler(port, "/api/handlers", http.HandlerFunc(s.handleGetHandlers))
	s.RegisterHTTPHandler(port, "/api/dlq", http.HandlerFunc(s.handleGetDLQ))
}

func (s *Service) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	if s.writeCORS(w, r) {
		return
	}
	s.writeJSON(w, s.Handlers())
}

func (s *Service) handleGetDLQ(w http.ResponseWriter, r *http.Request) {
	if s.writeCORS(w, r) {
		return
	}
	if err := s.SyncDeadLetterCounts(r.Context()); err != nil {
		s.Logger.Error("Failed to read dead-letter lengths", err, nil)
	}
	s.writeJSON(w, s.dlqMetrics.GetSnapshot())
}

// writeCORS sets CORS headers for allowed origins and reports whether the
// request was a preflight that has been answered.
func (s *Service) writeCORS(w http.ResponseWriter, r *http.Request) bool {
	if s.Conf != nil && len(s.Conf.WebUICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := s.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		s.Logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
