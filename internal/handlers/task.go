package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	dom "github.com/bandhu-workshop/db-workshop/internal/domain"
	"github.com/bandhu-workshop/db-workshop/internal/dto"
	"github.com/bandhu-workshop/db-workshop/internal/service"

	"github.com/gin-gonic/gin"
)

const idempotencyKeyHeader = "Idempotency-Key"

type TaskHandler struct {
	svc             *service.TaskService
	defaultPageSize int
}

func NewTaskHandler(svc *service.TaskService, defaultPageSize int) *TaskHandler {
	if defaultPageSize <= 0 {
		defaultPageSize = 10
	}
	return &TaskHandler{svc: svc, defaultPageSize: defaultPageSize}
}

// Create godoc
// @Summary      Create a task
// @Description  Retried creates carrying the same Idempotency-Key header return the original record instead of creating a duplicate.
// @Tags         tasks
// @Accept       json
// @Produce      json
// @Param        Idempotency-Key  header    string                 false  "Opaque retry token (max 100 chars)"
// @Param        body             body      dto.CreateTaskRequest  true   "Task body"
// @Success      201   {object}  dto.TaskResponse
// @Failure      400   {object}  map[string]string
// @Failure      503   {object}  map[string]string
// @Router       /tasks [post]
func (h *TaskHandler) Create(c *gin.Context) {
	var req dto.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token := c.GetHeader(idempotencyKeyHeader)

	t, err := h.svc.Create(c.Request.Context(), token, req.Title, req.Description)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	// Replays get the very same status and body as the first attempt.
	c.JSON(http.StatusCreated, taskToResponse(t))
}

// List godoc
// @Summary      List tasks
// @Description  Offset pagination over a deterministic order (created_at desc, id desc). Count and items come from one snapshot.
// @Tags         tasks
// @Produce      json
// @Param        page             query     int     false  "Page number, starting from 1"
// @Param        page_size        query     int     false  "Items per page"
// @Param        q                query     string  false  "Case-insensitive substring match on title"
// @Param        completed        query     bool    false  "Filter by completion state"
// @Param        include_deleted  query     bool    false  "Include tombstoned tasks"
// @Success      200  {object}  dto.ListTasksResponse
// @Failure      400  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /tasks [get]
func (h *TaskHandler) List(c *gin.Context) {
	var q dto.ListTasksQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if q.PageSize == 0 {
		q.PageSize = h.defaultPageSize
	}

	items, total, err := h.svc.List(c.Request.Context(), service.ListParams{
		Query:          q.Q,
		Page:           q.Page,
		PageSize:       q.PageSize,
		Completed:      q.Completed,
		IncludeDeleted: q.IncludeDeleted,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	totalPages := 0
	if total > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(q.PageSize)))
	}
	c.JSON(http.StatusOK, dto.ListTasksResponse{
		Items: tasksToResponses(items),
		Pagination: dto.PaginationInfo{
			Page:        q.Page,
			PageSize:    q.PageSize,
			TotalItems:  total,
			TotalPages:  totalPages,
			HasNext:     q.Page < totalPages,
			HasPrevious: q.Page > 1,
		},
	})
}

// GetByID godoc
// @Summary      Get a task by ID
// @Tags         tasks
// @Produce      json
// @Param        id   path      int  true  "Task ID"
// @Success      200  {object}  dto.TaskResponse
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /tasks/{id} [get]
func (h *TaskHandler) GetByID(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	t, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(t))
}

// Update godoc
// @Summary      Update a task
// @Description  Partial update: absent fields keep their current value.
// @Tags         tasks
// @Accept       json
// @Produce      json
// @Param        id    path      int  true  "Task ID"
// @Param        body  body      dto.UpdateTaskRequest  true  "Partial update"
// @Success      200   {object}  dto.TaskResponse
// @Failure      400   {object}  map[string]string
// @Failure      404   {object}  map[string]string
// @Router       /tasks/{id} [patch]
func (h *TaskHandler) Update(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req dto.UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := h.svc.Update(c.Request.Context(), id, req.Title, req.Description, req.Completed)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(t))
}

// Delete godoc
// @Summary      Soft-delete a task
// @Description  Always reports success: deleting an already-deleted or unknown id is the same outcome as the first delete.
// @Tags         tasks
// @Param        id   path  int  true  "Task ID"
// @Success      204
// @Failure      400  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /tasks/{id} [delete]
func (h *TaskHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.SoftDelete(c.Request.Context(), id); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Restore godoc
// @Summary      Restore a soft-deleted task
// @Tags         tasks
// @Produce      json
// @Param        id   path      int  true  "Task ID"
// @Success      200  {object}  dto.TaskResponse
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /tasks/{id}/restore [post]
func (h *TaskHandler) Restore(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	t, err := h.svc.Restore(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(t))
}

// Complete godoc
// @Summary      Mark a task as completed
// @Tags         tasks
// @Produce      json
// @Param        id   path      int  true  "Task ID"
// @Success      200  {object}  dto.TaskResponse
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /tasks/{id}/complete [post]
func (h *TaskHandler) Complete(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	t, err := h.svc.Complete(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(t))
}

// Purge godoc
// @Summary      Permanently delete a tombstoned task
// @Description  Compliance hard-delete. Only soft-deleted tasks can be purged.
// @Tags         tasks
// @Param        id   path  int  true  "Task ID"
// @Success      204
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /tasks/{id}/purge [delete]
func (h *TaskHandler) Purge(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.Purge(c.Request.Context(), id); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrStorageUnavailable):
		// Safe to retry: the transaction either committed fully or not at all.
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable, retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func parseID(c *gin.Context, name string) (int64, bool) {
	raw := c.Param(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func taskToResponse(t dom.Task) dto.TaskResponse {
	return dto.TaskResponse{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Completed:   t.Completed,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		DeletedAt:   t.DeletedAt,
	}
}

func tasksToResponses(list []dom.Task) []dto.TaskResponse {
	out := make([]dto.TaskResponse, len(list))
	for i := range list {
		out[i] = taskToResponse(list[i])
	}
	return out
}
