package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/rooms-watchdog/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator проверяет Bearer-токен админки
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

type ctxKey int

const (
	scopesKey ctxKey = iota
	userIDKey
)

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Прокидываем данные в контекст
			ctx := context.WithValue(r.Context(), scopesKey, claims.Scopes)
			ctx = context.WithValue(ctx, userIDKey, claims.UserID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope пропускает запрос, только если в токене есть scope.
// Ставится после NewMiddleware.
func RequireScope(scope string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ScopesFromContext(r.Context())[scope] {
				logger.Warn("scope denied",
					zap.String("user_id", UserIDFromContext(r.Context())),
					zap.String("scope", scope))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ScopesFromContext(ctx context.Context) map[string]bool {
	scopes, _ := ctx.Value(scopesKey).(map[string]bool)
	return scopes
}

func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}
