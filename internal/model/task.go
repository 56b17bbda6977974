package model

import "time"

type TaskStatus string

const (
	TaskStatusOpen     TaskStatus = "open"
	TaskStatusDone     TaskStatus = "done"
	TaskStatusArchived TaskStatus = "archived"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusOpen, TaskStatusDone, TaskStatusArchived:
		return true
	}
	return false
}

// Completion — отметка о выполнении задачи одним адресатом (аптекой или пользователем).
type Completion struct {
	Done   bool       `json:"done"`
	DoneAt *time.Time `json:"doneAt"`
	DoneBy *string    `json:"doneBy"`
	Note   string     `json:"note"`
}

// Task — задача для аптек и/или отдельных пользователей.
// Ключи Completions только добавляются, при снятии адресата запись остаётся (история).
type Task struct {
	ID            string                `json:"id"`
	Title         string                `json:"title"`
	Description   string                `json:"description"`
	DueDate       *time.Time            `json:"dueDate"`
	Status        TaskStatus            `json:"status"`
	PharmacyCodes []string              `json:"pharmacyCodes"`
	UserIDs       []string              `json:"userIds"`
	// Completions в JSON: ключ — код аптеки как есть, личная отметка пользователя без аптеки —
	// "user:<id>" (префикс не даёт id совпасть с кодом аптеки). См. scope.TargetKey.
	Completions   map[string]Completion `json:"completions"`
	CreatedBy     string                `json:"createdBy"`
	CreatedAt     time.Time             `json:"createdAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`
	DeletedAt     *time.Time            `json:"deletedAt"`
}

// Clone возвращает глубокую копию (хранилище в памяти не должно отдавать свои map/slice наружу).
func (t *Task) Clone() *Task {
	c := *t
	c.PharmacyCodes = append([]string{}, t.PharmacyCodes...)
	c.UserIDs = append([]string{}, t.UserIDs...)
	c.Completions = make(map[string]Completion, len(t.Completions))
	for k, v := range t.Completions {
		c.Completions[k] = v
	}
	return &c
}

// TaskUpdate — изменения задачи от администратора, записываются одной операцией.
// nil-поле не меняется, ClearDueDate сбрасывает срок.
// SeedKeys получают пустую отметку, если отметки с таким ключом ещё нет.
type TaskUpdate struct {
	Title         *string
	Description   *string
	DueDate       *time.Time
	ClearDueDate  bool
	Status        *TaskStatus
	PharmacyCodes *[]string
	UserIDs       *[]string
	SeedKeys      []string
}

// TaskFilter — фильтр админского списка задач. Пустые поля не применяются.
type TaskFilter struct {
	PharmacyCode  string
	Status        TaskStatus
	TitleContains string
}
