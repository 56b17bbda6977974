package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pharmportal/internal/identity"
	"github.com/pharmportal/internal/logger"
	"github.com/pharmportal/internal/model"
	"github.com/pharmportal/internal/service"
)

// PrincipalResolver проверяет токен и строит принципала (identity.Resolver).
type PrincipalResolver interface {
	Resolve(ctx context.Context, token string) (*model.Principal, error)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": msg})
}

// BearerAuth проверяет Authorization: Bearer <token> (или ?token=) и кладёт принципала в контекст.
func BearerAuth(resolver PrincipalResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := identity.TokenFromRequest(r)
			if token == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing token")
				return
			}
			p, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				if service.IsKind(err, service.KindAuth) {
					writeJSONError(w, http.StatusUnauthorized, err.Error())
					return
				}
				logger.Errorf("auth resolve token=%s: %v", MaskToken(token), err)
				writeJSONError(w, http.StatusInternalServerError, "internal server error")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireAdmin пропускает только принципалов с ролью admin.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !GetPrincipal(r.Context()).IsAdmin() {
			writeJSONError(w, http.StatusForbidden, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}
