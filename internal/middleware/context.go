package middleware

import (
	"context"

	"github.com/pharmportal/internal/model"
)

type contextKey string

const PrincipalKey contextKey = "principal"

// WithPrincipal кладёт принципала в контекст (BearerAuth, тесты).
func WithPrincipal(ctx context.Context, p *model.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// GetPrincipal возвращает принципала запроса или nil (устанавливается BearerAuth).
func GetPrincipal(ctx context.Context) *model.Principal {
	p, _ := ctx.Value(PrincipalKey).(*model.Principal)
	return p
}

// GetUserID возвращает id принципала или "".
func GetUserID(ctx context.Context) string {
	if p := GetPrincipal(ctx); p != nil {
		return p.ID
	}
	return ""
}
