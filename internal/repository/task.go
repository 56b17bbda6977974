package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pharmportal/internal/logger"
	"github.com/pharmportal/internal/model"
	"github.com/pharmportal/internal/storage"
)

const taskCols = `id, title, description, due_date, status, pharmacy_codes, user_ids, completions, created_by, created_at, updated_at, deleted_at`

// taskOrder: срок по возрастанию, задачи без срока в конце, затем новые раньше.
const taskOrder = ` ORDER BY due_date ASC NULLS LAST, created_at DESC`

// TaskRepository хранит задачи в PostgreSQL. Completions — jsonb, адресаты — text[].
// Каждая операция — один UPDATE по id; одна отметка пишется слиянием jsonb,
// поэтому параллельные отметки разных аптек не затирают друг друга.
type TaskRepository struct {
	pool *pgxpool.Pool
}

func NewTaskRepository(pool *pgxpool.Pool) *TaskRepository {
	return &TaskRepository{pool: pool}
}

func scanTask(s interface{ Scan(dest ...any) error }) (*model.Task, error) {
	t := &model.Task{}
	var status string
	var completions []byte
	if err := s.Scan(&t.ID, &t.Title, &t.Description, &t.DueDate, &status, &t.PharmacyCodes, &t.UserIDs,
		&completions, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt); err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	t.Completions = make(map[string]model.Completion)
	if len(completions) > 0 {
		if err := json.Unmarshal(completions, &t.Completions); err != nil {
			return nil, fmt.Errorf("decode completions: %w", err)
		}
	}
	if t.PharmacyCodes == nil {
		t.PharmacyCodes = []string{}
	}
	if t.UserIDs == nil {
		t.UserIDs = []string{}
	}
	return t, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (r *TaskRepository) Create(ctx context.Context, t *model.Task) error {
	defer logger.DeferLogDuration("task.Create", time.Now())()
	completions, err := json.Marshal(t.Completions)
	if err != nil {
		return fmt.Errorf("taskRepo.Create encode: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO tasks (id, title, description, due_date, status, pharmacy_codes, user_ids, completions, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11)`,
		t.ID, t.Title, t.Description, t.DueDate, string(t.Status), nonNil(t.PharmacyCodes), nonNil(t.UserIDs),
		completions, t.CreatedBy, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("taskRepo.Create: %w", err)
	}
	return nil
}

func (r *TaskRepository) GetByID(ctx context.Context, id string) (*model.Task, error) {
	defer logger.DeferLogDuration("task.GetByID", time.Now())()
	t, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taskRepo.GetByID: %w", err)
	}
	return t, nil
}

// Update собирает SET только из заданных полей. Отметки SeedKeys стоят слева от ||,
// поэтому существующие отметки побеждают.
func (r *TaskRepository) Update(ctx context.Context, id string, u model.TaskUpdate) (*model.Task, error) {
	defer logger.DeferLogDuration("task.Update", time.Now())()
	args := []any{id}
	sets := []string{"updated_at = NOW()"}
	set := func(col string, v any, cast string) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d%s", col, len(args), cast))
	}
	if u.Title != nil {
		set("title", *u.Title, "")
	}
	if u.Description != nil {
		set("description", *u.Description, "")
	}
	if u.ClearDueDate {
		sets = append(sets, "due_date = NULL")
	} else if u.DueDate != nil {
		set("due_date", *u.DueDate, "")
	}
	if u.Status != nil {
		set("status", string(*u.Status), "")
	}
	if u.PharmacyCodes != nil {
		set("pharmacy_codes", nonNil(*u.PharmacyCodes), "")
	}
	if u.UserIDs != nil {
		set("user_ids", nonNil(*u.UserIDs), "")
	}
	if len(u.SeedKeys) > 0 {
		seed := make(map[string]model.Completion, len(u.SeedKeys))
		for _, k := range u.SeedKeys {
			seed[k] = model.Completion{}
		}
		data, err := json.Marshal(seed)
		if err != nil {
			return nil, fmt.Errorf("taskRepo.Update encode: %w", err)
		}
		args = append(args, data)
		sets = append(sets, fmt.Sprintf("completions = $%d::jsonb || completions", len(args)))
	}

	t, err := scanTask(r.pool.QueryRow(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+`
		 WHERE id = $1 AND deleted_at IS NULL
		 RETURNING `+taskCols,
		args...,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taskRepo.Update: %w", err)
	}
	return t, nil
}

// SetCompletion: одна отметка сливается в jsonb; переход open -> done для задачи
// с одной аптекой (или без аптек) делается тем же UPDATE.
func (r *TaskRepository) SetCompletion(ctx context.Context, id, key string, c model.Completion) (*model.Task, error) {
	defer logger.DeferLogDuration("task.SetCompletion", time.Now())()
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("taskRepo.SetCompletion encode: %w", err)
	}
	t, err := scanTask(r.pool.QueryRow(ctx,
		`UPDATE tasks SET completions = completions || jsonb_build_object($2::text, $3::jsonb),
		        status = CASE WHEN $4::boolean AND status = 'open' AND cardinality(pharmacy_codes) <= 1
		                      THEN 'done' ELSE status END,
		        updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL
		 RETURNING `+taskCols,
		id, key, data, c.Done,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taskRepo.SetCompletion: %w", err)
	}
	return t, nil
}

func (r *TaskRepository) Archive(ctx context.Context, id string, at time.Time) error {
	defer logger.DeferLogDuration("task.Archive", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE tasks SET deleted_at = $2, status = 'archived', updated_at = $2
		 WHERE id = $1 AND deleted_at IS NULL`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("taskRepo.Archive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *TaskRepository) List(ctx context.Context, f model.TaskFilter) ([]model.Task, error) {
	defer logger.DeferLogDuration("task.List", time.Now())()
	sql := `SELECT ` + taskCols + ` FROM tasks WHERE deleted_at IS NULL`
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		sql += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if f.PharmacyCode != "" {
		args = append(args, f.PharmacyCode)
		sql += fmt.Sprintf(` AND $%d = ANY(pharmacy_codes)`, len(args))
	}
	if f.TitleContains != "" {
		args = append(args, "%"+escapeLike(f.TitleContains)+"%")
		sql += fmt.Sprintf(` AND title ILIKE $%d`, len(args))
	}
	return r.query(ctx, "List", sql+taskOrder, args...)
}

func (r *TaskRepository) ListForTarget(ctx context.Context, pharmacyCode, userID string) ([]model.Task, error) {
	defer logger.DeferLogDuration("task.ListForTarget", time.Now())()
	sql := `SELECT ` + taskCols + ` FROM tasks
		 WHERE deleted_at IS NULL AND status <> 'archived'
		   AND (($1 <> '' AND $1 = ANY(pharmacy_codes)) OR ($2 <> '' AND $2 = ANY(user_ids)))`
	return r.query(ctx, "ListForTarget", sql+taskOrder, pharmacyCode, userID)
}

func (r *TaskRepository) query(ctx context.Context, op, sql string, args ...any) ([]model.Task, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("taskRepo.%s query: %w", op, err)
	}
	defer rows.Close()
	tasks := make([]model.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("taskRepo.%s scan: %w", op, err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("taskRepo.%s rows: %w", op, err)
	}
	return tasks, nil
}

// escapeLike экранирует спецсимволы ILIKE, чтобы поиск шёл по подстроке.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
