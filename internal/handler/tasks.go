package handler

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pharmportal/internal/middleware"
	"github.com/pharmportal/internal/model"
	"github.com/pharmportal/internal/service"
)

type TaskHandler struct {
	tasks *service.TaskService
}

func NewTaskHandler(tasks *service.TaskService) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

type createTaskRequest struct {
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	DueDate       *string  `json:"dueDate"`
	PharmacyCodes []string `json:"pharmacyCodes"`
	UserIDs       []string `json:"userIds"`
}

// updateTaskRequest: отсутствующее поле не меняется, "dueDate": null сбрасывает срок.
type updateTaskRequest struct {
	Title         *string         `json:"title"`
	Description   *string         `json:"description"`
	DueDate       json.RawMessage `json:"dueDate"`
	Status        *string         `json:"status"`
	PharmacyCodes *[]string       `json:"pharmacyCodes"`
	UserIDs       *[]string       `json:"userIds"`
}

type completeRequest struct {
	Done *bool  `json:"done"`
	Note string `json:"note"`
}

// ListMine — GET /api/tasks/my.
func (h *TaskHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.tasks.ListMine(r.Context(), middleware.GetPrincipal(r.Context()))
	if err != nil {
		writeServiceError(w, "tasks.ListMine", err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// Create — POST /api/tasks (admin).
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, "tasks.Create", err)
		return
	}
	in := service.CreateTaskInput{
		Title:         req.Title,
		Description:   req.Description,
		PharmacyCodes: req.PharmacyCodes,
		UserIDs:       req.UserIDs,
	}
	if req.DueDate != nil && *req.DueDate != "" {
		due, err := parseDate(*req.DueDate)
		if err != nil {
			writeServiceError(w, "tasks.Create", err)
			return
		}
		in.DueDate = &due
	}
	task, err := h.tasks.Create(r.Context(), middleware.GetPrincipal(r.Context()), in)
	if err != nil {
		writeServiceError(w, "tasks.Create", err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// List — GET /api/tasks?pharmacyCode=&status=&q= (admin).
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.TaskFilter{
		PharmacyCode:  q.Get("pharmacyCode"),
		Status:        model.TaskStatus(q.Get("status")),
		TitleContains: q.Get("q"),
	}
	tasks, err := h.tasks.List(r.Context(), middleware.GetPrincipal(r.Context()), f)
	if err != nil {
		writeServiceError(w, "tasks.List", err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// Update — PUT /api/tasks/{id} (admin).
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, "tasks.Update", err)
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		writeServiceError(w, "tasks.Update", err)
		return
	}
	task, err := h.tasks.Update(r.Context(), middleware.GetPrincipal(r.Context()), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeServiceError(w, "tasks.Update", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (req updateTaskRequest) toPatch() (service.TaskPatch, error) {
	p := service.TaskPatch{
		Title:         req.Title,
		Description:   req.Description,
		PharmacyCodes: req.PharmacyCodes,
		UserIDs:       req.UserIDs,
	}
	if req.Status != nil {
		st := model.TaskStatus(*req.Status)
		p.Status = &st
	}
	raw := bytes.TrimSpace(req.DueDate)
	switch {
	case len(raw) == 0:
	case bytes.Equal(raw, []byte("null")):
		p.ClearDueDate = true
	default:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return p, service.ValidationErr("invalid dueDate")
		}
		if s == "" {
			p.ClearDueDate = true
			break
		}
		due, err := parseDate(s)
		if err != nil {
			return p, err
		}
		p.DueDate = &due
	}
	return p, nil
}

// Archive — DELETE /api/tasks/{id} (admin).
func (h *TaskHandler) Archive(w http.ResponseWriter, r *http.Request) {
	if err := h.tasks.Archive(r.Context(), middleware.GetPrincipal(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, "tasks.Archive", err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// Complete — PUT /api/tasks/{id}/complete. done по умолчанию true.
func (h *TaskHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, "tasks.Complete", err)
		return
	}
	done := true
	if req.Done != nil {
		done = *req.Done
	}
	task, err := h.tasks.SetCompletion(r.Context(), middleware.GetPrincipal(r.Context()), chi.URLParam(r, "id"), done, req.Note)
	if err != nil {
		writeServiceError(w, "tasks.Complete", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
