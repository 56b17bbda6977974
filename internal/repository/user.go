package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pharmportal/internal/logger"
	"github.com/pharmportal/internal/model"
	"github.com/pharmportal/internal/storage"
)

// userCols — список колонок для SELECT, порядок соответствует scanUser.
const userCols = `id, username, email, full_name, role, company, pharmacy_code, phone, avatar_url, created_at`

// UserRepository читает пользователей. Запись ведёт сервис авторизации.
type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	var role string
	if err := s.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &role, &u.Company, &u.PharmacyCode, &u.Phone, &u.AvatarURL, &u.CreatedAt); err != nil {
		return err
	}
	u.Role = model.Role(role)
	return nil
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.FindByID", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.FindByID: %w", err)
	}
	return u, nil
}
