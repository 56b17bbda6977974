package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pharmportal/internal/logger"
	"github.com/pharmportal/internal/model"
	"github.com/pharmportal/internal/service"
	"github.com/pharmportal/internal/storage"
)

// Resolver — единая проверка личности для REST и WebSocket.
// Если в токене не хватает company, pharmacyCode, имени или роли, данные дочитываются из users.
type Resolver struct {
	creds Credentials
	users storage.UserStore
	cache storage.PrincipalCache
}

// NewResolver: users и cache могут быть nil.
func NewResolver(creds Credentials, users storage.UserStore, cache storage.PrincipalCache) *Resolver {
	return &Resolver{creds: creds, users: users, cache: cache}
}

func (r *Resolver) Resolve(ctx context.Context, token string) (*model.Principal, error) {
	defer logger.DeferLogDuration("identity.Resolve", time.Now())()
	if strings.TrimSpace(token) == "" {
		return nil, service.AuthErr("missing token")
	}
	p, err := r.creds.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, service.AuthErr("invalid token")
	}
	if incomplete(p) && r.users != nil {
		u, err := r.lookup(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if u != nil {
			backfill(p, u)
		}
	}
	if p.Role != model.RoleAdmin {
		p.Role = model.RoleUser
	}
	if p.Name == "" {
		p.Name = "Uživatel"
	}
	return p, nil
}

func incomplete(p *model.Principal) bool {
	return p.Company == "" || p.PharmacyCode == nil || p.Name == "" || p.Role == ""
}

// backfill: значения из токена важнее, кроме роли по умолчанию.
func backfill(p *model.Principal, u *model.User) {
	if p.Company == "" {
		p.Company = u.Company
	}
	if p.PharmacyCode == nil && u.PharmacyCode != nil && *u.PharmacyCode != "" {
		code := *u.PharmacyCode
		p.PharmacyCode = &code
	}
	if p.Name == "" {
		p.Name = u.DisplayName()
	}
	if p.Role == "" || p.Role == model.RoleUser {
		p.Role = u.Role
	}
}

func (r *Resolver) lookup(ctx context.Context, id string) (*model.User, error) {
	if r.cache != nil {
		if u, err := r.cache.GetUser(ctx, id); err != nil {
			logger.Errorf("identity cache get user=%s: %v", id, err)
		} else if u != nil {
			return u, nil
		}
	}
	u, err := r.users.FindByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity lookup user: %w", err)
	}
	if r.cache != nil {
		if err := r.cache.SetUser(ctx, u); err != nil {
			logger.Errorf("identity cache set user=%s: %v", id, err)
		}
	}
	return u, nil
}
