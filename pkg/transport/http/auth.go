package http

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/sitzung-dev/sitzung/pkg/api"
	"github.com/sitzung-dev/sitzung/pkg/config"
)

// apiKeyMiddleware enforces static bearer-key authentication when the config
// enables it. Health, model listing, metrics, and the harvester channel stay
// reachable without a key; the harvester authenticates with its own JWT.
func apiKeyMiddleware(cfg config.AuthConfig, bypass map[string]bool, logger *slog.Logger) func(http.Handler) http.Handler {
	keys := make(map[string]string, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k.Key != "" {
			keys[k.Key] = k.Subject
		}
	}
	enabled := cfg.Type == "apikey" && len(keys) > 0

	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypass[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			// Accept both "Bearer sk-xxx" and a bare key.
			key := r.Header.Get("Authorization")
			key = strings.TrimPrefix(key, "Bearer ")

			subject, ok := keys[key]
			if !ok {
				logger.Warn("rejected request with invalid api key",
					"path", r.URL.Path, "remote", r.RemoteAddr)
				WriteErrorResponse(w, &api.APIError{
					Type:    api.ErrorTypeInvalidRequest,
					Code:    "invalid_api_key",
					Message: "Invalid API key",
				}, http.StatusUnauthorized)
				return
			}

			if subject != "" {
				logger.Debug("authenticated request", "subject", subject, "path", r.URL.Path)
			}
			next.ServeHTTP(w, r)
		})
	}
}
