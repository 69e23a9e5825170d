package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/streamflow/internal/runtime/jsoncodec"
)

// StartWebUIServer mounts the read-only JSON API describing handlers,
// subscriptions and metrics. It does nothing unless WebUIEnabled is set.
func (s *Service) StartWebUIServer() {
	if !s.Conf.WebUIEnabled {
		return
	}

	port := s.Conf.WebUIPort
	s.RegisterHTTPHandler(port, "/api/handlers", s.webUIHandler(s.handleGetHandlers))
	s.RegisterHTTPHandler(port, "/api/subscriptions", s.webUIHandler(s.handleGetSubscriptions))
	s.RegisterHTTPHandler(port, "/api/metrics", s.webUIHandler(s.handleGetMetrics))
}

func (s *Service) webUIHandler(body func() any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if len(s.Conf.WebUICORSAllowedOrigins) > 0 {
			if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodGet, http.MethodHead:
		default:
			w.Header().Set("Allow", "GET, HEAD, OPTIONS")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := jsoncodec.Encode(w, body()); err != nil {
			s.Logger.Error("Failed to encode web UI response", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	})
}

func (s *Service) handleGetHandlers() any {
	return s.Handlers()
}

func (s *Service) handleGetSubscriptions() any {
	return s.Subscriptions()
}

func (s *Service) handleGetMetrics() any {
	return s.metrics.Snapshot()
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for the
// request origin, or "" when it is not allowed.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
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
