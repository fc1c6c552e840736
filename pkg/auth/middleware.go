package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/chainsafe/offramp-middleware/pkg/app/errors"
	apphttp "github.com/chainsafe/offramp-middleware/pkg/app/http"
)

// TriggerSecretHeader carries the shared secret of the periodic trigger
const TriggerSecretHeader = "X-Trigger-Secret"

// RequireAdmin rejects requests without a valid operator token and stores the token subject
// as the actor of the request.
func RequireAdmin(v *JWTValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r.Header.Get("Authorization"))
			if err != nil {
				apphttp.DefaultErrorHandler(w, apperrors.UnAuthorizedError(err, "bearer token required"))
				return
			}
			claims, err := v.ValidateToken(token)
			if err != nil {
				logger.Warn("Rejected admin token", zap.String("path", r.URL.Path), zap.Error(err))
				if errors.Is(err, ErrNotAdmin) {
					apphttp.DefaultErrorHandler(w, apperrors.ForbiddenError(err, "admin role required"))
					return
				}
				apphttp.DefaultErrorHandler(w, apperrors.UnAuthorizedError(err, "invalid token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), claims.Subject)))
		})
	}
}

// RequireTriggerSecret gates the periodic trigger. An empty secret leaves the route open.
func RequireTriggerSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" {
				got := r.Header.Get(TriggerSecretHeader)
				if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
					apphttp.DefaultErrorHandler(w, apperrors.UnAuthorizedError(nil, "invalid trigger secret"))
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), "trigger")))
		})
	}
}
