// Package identity превращает bearer-токен в model.Principal.
// Токены выпускает внешний сервис входа (HS256, общий JWT_SECRET).
package identity

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pharmportal/internal/model"
	"github.com/pharmportal/internal/service"
)

// Credentials разбирает токен. Role у результата может быть пустой — нормализует Resolver.
type Credentials interface {
	Resolve(ctx context.Context, token string) (*model.Principal, error)
}

type JWTResolver struct {
	secret []byte
}

func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

func (r *JWTResolver) Resolve(ctx context.Context, token string) (*model.Principal, error) {
	if len(r.secret) == 0 {
		return nil, fmt.Errorf("jwt: secret not configured")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return nil, service.AuthErr("invalid or expired token")
	}
	return principalFromClaims(claims), nil
}

// principalFromClaims: id из id/_id/sub, данные пользователя могут лежать во вложенном "user".
func principalFromClaims(claims jwt.MapClaims) *model.Principal {
	src := map[string]any(claims)
	if nested, ok := claims["user"].(map[string]any); ok {
		src = nested
	}
	id := firstString(src, "id", "_id", "sub")
	if id == "" && len(src) != len(claims) {
		id = firstString(claims, "id", "_id", "sub")
	}
	return &model.Principal{
		ID:           id,
		Name:         firstString(src, "name", "username"),
		Role:         model.Role(firstString(src, "role")),
		Company:      firstString(src, "company"),
		PharmacyCode: model.StringPtr(firstString(src, "pharmacyCode", "pharmacy_code")),
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// Sign выпускает токен (dev-инструменты и тесты; в проде токены выпускает сервис входа).
func Sign(secret string, claims jwt.MapClaims, ttl time.Duration) (string, error) {
	now := time.Now()
	out := jwt.MapClaims{"iat": now.Unix()}
	if ttl > 0 {
		out["exp"] = now.Add(ttl).Unix()
	}
	for k, v := range claims {
		out[k] = v
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, out).SignedString([]byte(secret))
}

// TokenFromRequest: заголовок Authorization: Bearer, затем query ?token= (браузерный WebSocket).
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
