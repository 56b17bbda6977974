package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pharmportal/internal/logger"
	"github.com/pharmportal/internal/model"
	"github.com/pharmportal/internal/scope"
	"github.com/pharmportal/internal/storage"
)

// CreateTaskInput — поля новой задачи.
type CreateTaskInput struct {
	Title         string
	Description   string
	DueDate       *time.Time
	PharmacyCodes []string
	UserIDs       []string
}

// TaskPatch — частичное обновление: nil-поле не меняется.
// DueDate: ClearDueDate=true сбрасывает срок.
type TaskPatch struct {
	Title         *string
	Description   *string
	DueDate       *time.Time
	ClearDueDate  bool
	Status        *model.TaskStatus
	PharmacyCodes *[]string
	UserIDs       *[]string
}

type TaskService struct {
	tasks storage.TaskStore
	now   func() time.Time
}

func NewTaskService(tasks storage.TaskStore) *TaskService {
	return &TaskService{tasks: tasks, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock подменяет часы (тесты).
func (s *TaskService) WithClock(now func() time.Time) *TaskService {
	s.now = now
	return s
}

func requireAdmin(actor *model.Principal) error {
	if actor == nil || actor.ID == "" {
		return AuthErr("unauthorized")
	}
	if !actor.IsAdmin() {
		return ForbiddenErr("admin only")
	}
	return nil
}

func (s *TaskService) Create(ctx context.Context, actor *model.Principal, in CreateTaskInput) (*model.Task, error) {
	defer logger.DeferLogDuration("task.Create", time.Now())()
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, ValidationErr("title is required")
	}
	now := s.now()
	codes := normalizeKeys(in.PharmacyCodes)
	t := &model.Task{
		ID:            uuid.New().String(),
		Title:         title,
		Description:   in.Description,
		DueDate:       in.DueDate,
		Status:        model.TaskStatusOpen,
		PharmacyCodes: codes,
		UserIDs:       normalizeKeys(in.UserIDs),
		Completions:   make(map[string]model.Completion, len(codes)),
		CreatedBy:     actor.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, code := range codes {
		t.Completions[code] = model.Completion{}
	}
	if err := s.tasks.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	logger.Infof("task created id=%s by=%s targets=%v users=%d", t.ID, actor.ID, codes, len(t.UserIDs))
	return t, nil
}

func (s *TaskService) List(ctx context.Context, actor *model.Principal, f model.TaskFilter) ([]model.Task, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	f.PharmacyCode = strings.TrimSpace(f.PharmacyCode)
	f.TitleContains = strings.TrimSpace(f.TitleContains)
	if f.Status != "" && !f.Status.Valid() {
		return nil, ValidationErr("invalid status %q", f.Status)
	}
	tasks, err := s.tasks.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// getActive возвращает задачу, не удалённую и не архивную.
func (s *TaskService) getActive(ctx context.Context, id string) (*model.Task, error) {
	t, err := s.tasks.GetByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NotFoundErr("task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if t.DeletedAt != nil || t.Status == model.TaskStatusArchived {
		return nil, NotFoundErr("task not found")
	}
	return t, nil
}

func (s *TaskService) Update(ctx context.Context, actor *model.Principal, id string, p TaskPatch) (*model.Task, error) {
	defer logger.DeferLogDuration("task.Update", time.Now())()
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if _, err := s.getActive(ctx, id); err != nil {
		return nil, err
	}
	u := model.TaskUpdate{Description: p.Description, ClearDueDate: p.ClearDueDate}
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title == "" {
			return nil, ValidationErr("title is required")
		}
		u.Title = &title
	}
	if !p.ClearDueDate {
		u.DueDate = p.DueDate
	}
	if p.Status != nil {
		switch *p.Status {
		case model.TaskStatusOpen, model.TaskStatusDone:
			st := *p.Status
			u.Status = &st
		case model.TaskStatusArchived:
			return nil, ValidationErr("use archive to archive a task")
		default:
			return nil, ValidationErr("invalid status %q", *p.Status)
		}
	}
	if p.PharmacyCodes != nil {
		codes := normalizeKeys(*p.PharmacyCodes)
		u.PharmacyCodes = &codes
		u.SeedKeys = codes
	}
	if p.UserIDs != nil {
		ids := normalizeKeys(*p.UserIDs)
		u.UserIDs = &ids
	}

	t, err := s.tasks.Update(ctx, id, u)
	if err != nil {
		return nil, s.storeErr("update task", err)
	}
	return t, nil
}

// Archive — мягкое удаление. Повторный вызов даёт NotFound.
func (s *TaskService) Archive(ctx context.Context, actor *model.Principal, id string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if err := s.tasks.Archive(ctx, id, s.now()); err != nil {
		return s.storeErr("archive task", err)
	}
	logger.Infof("task archived id=%s by=%s", id, actor.ID)
	return nil
}

// ListMine — задачи, адресованные аптеке или лично пользователю.
func (s *TaskService) ListMine(ctx context.Context, actor *model.Principal) ([]model.Task, error) {
	if actor == nil || actor.ID == "" {
		return nil, AuthErr("unauthorized")
	}
	tasks, err := s.tasks.ListForTarget(ctx, actor.Branch(), actor.ID)
	if err != nil {
		return nil, fmt.Errorf("list my tasks: %w", err)
	}
	out := tasks[:0]
	for i := range tasks {
		if scope.Visible(actor, &tasks[i]) {
			out = append(out, tasks[i])
		}
	}
	return out, nil
}

// SetCompletion отмечает выполнение задачи от имени аптеки принципала (или лично, если аптеки нет).
// Если у задачи не больше одной аптеки и done=true, общий статус становится done.
// Снятие отметки статус обратно не возвращает.
func (s *TaskService) SetCompletion(ctx context.Context, actor *model.Principal, taskID string, done bool, note string) (*model.Task, error) {
	defer logger.DeferLogDuration("task.SetCompletion", time.Now())()
	if actor == nil || actor.ID == "" {
		return nil, AuthErr("unauthorized")
	}
	key := scope.ResolveTargetKey(actor)
	comp := model.Completion{Done: done, DoneBy: &actor.ID, Note: note}
	if done {
		at := s.now()
		comp.DoneAt = &at
	}
	if _, err := s.getActive(ctx, taskID); err != nil {
		return nil, err
	}
	t, err := s.tasks.SetCompletion(ctx, taskID, key.String(), comp)
	if err != nil {
		return nil, s.storeErr("set completion", err)
	}
	return t, nil
}

func (s *TaskService) storeErr(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return NotFoundErr("task not found")
	}
	return fmt.Errorf("%s: %w", op, err)
}

// normalizeKeys убирает пробелы, пустые значения и повторы, сохраняя порядок.
func normalizeKeys(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
