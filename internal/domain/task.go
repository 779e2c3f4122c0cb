package domain

import "time"

// Domain entity: бизнес-объект (истина).
// Не зависит от Gin, Postgres, Redis.
type Task struct {
	ID          int64
	Title       string
	Description string
	Completed   bool

	CreatedAt time.Time
	UpdatedAt *time.Time // nil until the first mutation after creation
	DeletedAt *time.Time // non-nil = tombstoned
}

// Live reports whether the task is visible to default reads.
func (t Task) Live() bool { return t.DeletedAt == nil }
