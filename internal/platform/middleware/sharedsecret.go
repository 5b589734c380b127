package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"salecore/pkg/requestcontext"
)

// SecretHeader carries the shared-secret credential for machine endpoints
// (provider webhooks, the cron sweep trigger).
const SecretHeader = "X-Salecore-Secret"

// RequireSharedSecret fails closed: requests without the exact credential are
// rejected before any handler logic runs. Comparison is constant-time.
func RequireSharedSecret(secret string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(SecretHeader)
			if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
				logger.WarnContext(r.Context(), "rejected machine request with bad credential",
					"path", r.URL.Path,
					"request_id", requestcontext.RequestID(r.Context()),
				)
				unauthorized(w, "invalid credential")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
