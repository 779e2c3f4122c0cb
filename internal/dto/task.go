package dto

import "time"

type CreateTaskRequest struct {
	Title       string `json:"title" binding:"required,min=1,max=120"`
	Description string `json:"description" binding:"max=1000"`
}

// UpdateTaskRequest is a partial update: nil = не менять, значение = поставить.
type UpdateTaskRequest struct {
	Title       *string `json:"title" binding:"omitempty,min=1,max=120"`
	Description *string `json:"description" binding:"omitempty,max=1000"`
	Completed   *bool   `json:"completed"`
}

type ListTasksQuery struct {
	Page           int    `form:"page,default=1" binding:"omitempty,min=1"`
	PageSize       int    `form:"page_size" binding:"omitempty,min=1"`
	Q              string `form:"q" binding:"omitempty,max=100"`
	Completed      *bool  `form:"completed"`
	IncludeDeleted bool   `form:"include_deleted"`
}

type TaskResponse struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Completed   bool       `json:"completed"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

type PaginationInfo struct {
	Page        int   `json:"page"`
	PageSize    int   `json:"page_size"`
	TotalItems  int64 `json:"total_items"`
	TotalPages  int   `json:"total_pages"`
	HasNext     bool  `json:"has_next"`
	HasPrevious bool  `json:"has_previous"`
}

type ListTasksResponse struct {
	Items      []TaskResponse `json:"items"`
	Pagination PaginationInfo `json:"pagination"`
}
