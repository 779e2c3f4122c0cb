package repo

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	dom "github.com/bandhu-workshop/db-workshop/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const taskColumns = "id, title, description, completed, created_at, updated_at, deleted_at"

// ListParams is the fully-resolved filter for a single page read.
type ListParams struct {
	Query          string // case-insensitive substring match on title; empty = no filter
	Completed      *bool
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// UpdateParams is a partial patch: nil fields keep their stored value.
type UpdateParams struct {
	Title       *string
	Description *string
	Completed   *bool
}

type TaskRepo interface {
	Create(ctx context.Context, t dom.Task) (dom.Task, error)
	CreateWithToken(ctx context.Context, t dom.Task, token string) (dom.Task, error)
	GetByID(ctx context.Context, id int64) (dom.Task, error)
	GetByIDAny(ctx context.Context, id int64) (dom.Task, error)
	List(ctx context.Context, p ListParams) ([]dom.Task, int64, error)
	Update(ctx context.Context, id int64, patch UpdateParams) (dom.Task, error)
	SoftDelete(ctx context.Context, id int64) error
	Restore(ctx context.Context, id int64) (dom.Task, error)
	Purge(ctx context.Context, id int64) (bool, error)
}

type PGTaskRepo struct {
	db *pgxpool.Pool
}

func NewPGTaskRepo(db *pgxpool.Pool) *PGTaskRepo {
	return &PGTaskRepo{db: db}
}

func (r *PGTaskRepo) Create(ctx context.Context, t dom.Task) (dom.Task, error) {
	query := `
		INSERT INTO tasks (title, description)
		VALUES ($1, $2)
		RETURNING ` + taskColumns
	return scanTask(r.db.QueryRow(ctx, query, t.Title, t.Description))
}

// CreateWithToken inserts the task and reserves the idempotency token in one
// transaction. The unique constraint on idempotency_keys.token is the source
// of truth: if a concurrent racer reserved the token first, the insert here
// fails with a unique violation and the whole transaction rolls back, leaving
// no task row behind. Callers re-resolve the token on that error.
func (r *PGTaskRepo) CreateWithToken(ctx context.Context, t dom.Task, token string) (dom.Task, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return dom.Task{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO tasks (title, description)
		VALUES ($1, $2)
		RETURNING ` + taskColumns
	out, err := scanTask(tx.QueryRow(ctx, query, t.Title, t.Description))
	if err != nil {
		return dom.Task{}, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO idempotency_keys (token, record_id) VALUES ($1, $2)`,
		token, out.ID,
	)
	if err != nil {
		return dom.Task{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return dom.Task{}, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func (r *PGTaskRepo) GetByID(ctx context.Context, id int64) (dom.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 AND deleted_at IS NULL`
	return scanTask(r.db.QueryRow(ctx, query, id))
}

// GetByIDAny fetches a task regardless of its tombstone. Used on idempotent
// replays, where the token must keep resolving even after a soft delete.
func (r *PGTaskRepo) GetByIDAny(ctx context.Context, id int64) (dom.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(r.db.QueryRow(ctx, query, id))
}

// List runs the count and the page select inside one REPEATABLE READ read-only
// transaction so the total and the items come from the same snapshot.
// Order is total and deterministic: created_at DESC, id DESC as tie-break.
func (r *PGTaskRepo) List(ctx context.Context, p ListParams) ([]dom.Task, int64, error) {
	where, args := buildTaskFilter(p)

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total int64
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + taskColumns + ` FROM tasks` + where +
		` ORDER BY created_at DESC, id DESC` +
		` LIMIT $` + strconv.Itoa(len(args)+1) + ` OFFSET $` + strconv.Itoa(len(args)+2)
	rows, err := tx.Query(ctx, query, append(args, p.Limit, p.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var list []dom.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("commit: %w", err)
	}
	return list, total, nil
}

// Update applies the patch as one conditional statement. NULL parameters
// fall back to the stored value via COALESCE, so two concurrent patches on
// different fields compose instead of one re-writing the other's field from
// a stale read.
func (r *PGTaskRepo) Update(ctx context.Context, id int64, patch UpdateParams) (dom.Task, error) {
	query := `
		UPDATE tasks SET
			title = COALESCE($2, title),
			description = COALESCE($3, description),
			completed = COALESCE($4, completed),
			updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING ` + taskColumns
	return scanTask(r.db.QueryRow(ctx, query, id, patch.Title, patch.Description, patch.Completed))
}

// SoftDelete tombstones the task if it is live. A missing id or an existing
// tombstone affects zero rows, which is not an error: the goal state "id is
// absent from the live set" already holds.
func (r *PGTaskRepo) SoftDelete(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE tasks SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`,
		id,
	)
	return err
}

// Restore clears the tombstone. Returns pgx.ErrNoRows when the task is live
// or does not exist; the service decides which of those it is.
func (r *PGTaskRepo) Restore(ctx context.Context, id int64) (dom.Task, error) {
	query := `
		UPDATE tasks SET deleted_at = NULL, updated_at = now()
		WHERE id = $1 AND deleted_at IS NOT NULL
		RETURNING ` + taskColumns
	return scanTask(r.db.QueryRow(ctx, query, id))
}

// Purge hard-deletes a tombstoned task. Ledger entries referencing it go with
// it via ON DELETE CASCADE. Live tasks are never purged.
func (r *PGTaskRepo) Purge(ctx context.Context, id int64) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM tasks WHERE id = $1 AND deleted_at IS NOT NULL`,
		id,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func buildTaskFilter(p ListParams) (string, []any) {
	var conds []string
	var args []any
	if !p.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	if p.Query != "" {
		args = append(args, "%"+p.Query+"%")
		conds = append(conds, "title ILIKE $"+strconv.Itoa(len(args)))
	}
	if p.Completed != nil {
		args = append(args, *p.Completed)
		conds = append(conds, "completed = $"+strconv.Itoa(len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanTask(row pgx.Row) (dom.Task, error) {
	var t dom.Task
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Completed,
		&t.CreatedAt, &t.UpdatedAt, &t.DeletedAt)
	return t, err
}
