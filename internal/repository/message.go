package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pharmportal/internal/logger"
	"github.com/pharmportal/internal/model"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, company, pharmacy_code, scope, author_id, author_name, text, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.Company, m.PharmacyCode, string(m.Scope), m.AuthorID, m.AuthorName, m.Text, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

// Latest возвращает последние limit сообщений канала (от новых к старым).
// seq разрешает одинаковый created_at в порядке вставки.
func (r *MessageRepository) Latest(ctx context.Context, f model.MessageFilter, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.Latest", time.Now())()
	sql := `SELECT id, company, pharmacy_code, scope, author_id, author_name, text, created_at
		 FROM messages
		 WHERE company = $1 AND scope = $2`
	args := []any{f.Company, string(f.Scope)}
	if f.Scope == model.ScopePharmacy {
		sql += ` AND pharmacy_code = $3`
		args = append(args, f.PharmacyCode)
	}
	args = append(args, limit)
	sql += fmt.Sprintf(` ORDER BY created_at DESC, seq DESC LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Latest query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		var sc string
		if err := rows.Scan(&m.ID, &m.Company, &m.PharmacyCode, &sc, &m.AuthorID, &m.AuthorName, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("msgRepo.Latest scan: %w", err)
		}
		m.Scope = model.Scope(sc)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.Latest rows: %w", err)
	}
	return messages, nil
}
