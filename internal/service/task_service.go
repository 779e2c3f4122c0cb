package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/bandhu-workshop/db-workshop/internal/cache"
	dom "github.com/bandhu-workshop/db-workshop/internal/domain"
	"github.com/bandhu-workshop/db-workshop/internal/repo"
	"github.com/bandhu-workshop/db-workshop/internal/utils"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/singleflight"
)

const maxTokenLen = 100

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrTitleRequired   = fmt.Errorf("%w: title is required", ErrValidation)
	ErrTokenTooLong    = fmt.Errorf("%w: idempotency token longer than %d chars", ErrValidation, maxTokenLen)
	ErrInvalidPage     = fmt.Errorf("%w: page must be >= 1", ErrValidation)
	ErrInvalidPageSize = fmt.Errorf("%w: page_size out of range", ErrValidation)
)

// Params are the service-level knobs; zero values fall back to defaults.
type Params struct {
	OpTimeout       time.Duration // applied when the caller brings no deadline
	DefaultPageSize int
	MaxPageSize     int
}

type TaskService struct {
	repo   repo.TaskRepo
	ledger repo.IdempotencyLedger
	cache  *cache.TaskCache
	sf     singleflight.Group

	opTimeout       time.Duration
	defaultPageSize int
	maxPageSize     int
}

// NewTaskService creates a TaskService. If c is nil, caching is disabled.
func NewTaskService(r repo.TaskRepo, l repo.IdempotencyLedger, c *cache.TaskCache, p Params) *TaskService {
	if p.OpTimeout <= 0 {
		p.OpTimeout = 5 * time.Second
	}
	if p.DefaultPageSize <= 0 {
		p.DefaultPageSize = 10
	}
	if p.MaxPageSize <= 0 {
		p.MaxPageSize = 100
	}
	return &TaskService{
		repo:            r,
		ledger:          l,
		cache:           c,
		opTimeout:       p.OpTimeout,
		defaultPageSize: p.DefaultPageSize,
		maxPageSize:     p.MaxPageSize,
	}
}

// Create inserts a new task. With an empty token every call creates a fresh
// record. With a token, retries and concurrent duplicates all collapse onto
// the single record the token reserved:
//
//  1. resolve the token; a hit means a previous attempt already committed
//  2. otherwise insert task + ledger row in one transaction
//  3. a unique violation on the token means a racer won between 1 and 2;
//     re-resolve and return the winner's record, never an error
//
// Two different tokens with identical fields intentionally produce two
// records: the ledger keys on token identity, not payload content.
func (s *TaskService) Create(ctx context.Context, token, title, description string) (dom.Task, error) {
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)
	if title == "" {
		return dom.Task{}, ErrTitleRequired
	}
	if len(token) > maxTokenLen {
		return dom.Task{}, ErrTokenTooLong
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	fields := dom.Task{Title: title, Description: description}

	if token == "" {
		t, err := s.repo.Create(ctx, fields)
		if err != nil {
			return dom.Task{}, storageErr(err)
		}
		s.invalidateCache(ctx)
		return t, nil
	}

	if id, err := s.ledger.Resolve(ctx, token); err == nil {
		return s.getAny(ctx, id)
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return dom.Task{}, storageErr(err)
	}

	t, err := s.repo.CreateWithToken(ctx, fields, token)
	if err == nil {
		s.invalidateCache(ctx)
		return t, nil
	}
	if !utils.IsPGUniqueViolation(err) {
		return dom.Task{}, storageErr(err)
	}

	// Lost the reservation race. The winner's transaction has committed
	// (the unique violation only fires after it does), so the token now
	// resolves to the one true record.
	id, err := s.ledger.Resolve(ctx, token)
	if err != nil {
		return dom.Task{}, storageErr(err)
	}
	return s.getAny(ctx, id)
}

func (s *TaskService) Get(ctx context.Context, id int64) (dom.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dom.Task{}, ErrNotFound
		}
		return dom.Task{}, storageErr(err)
	}
	return t, nil
}

// Update applies a partial patch: nil fields keep their current value. The
// whole patch goes to storage as one conditional statement, so concurrent
// patches on different fields compose instead of clobbering each other.
// Tombstoned tasks are invisible here; updating one reports ErrNotFound.
func (s *TaskService) Update(ctx context.Context, id int64, title, description *string, completed *bool) (dom.Task, error) {
	if title != nil {
		tt := strings.TrimSpace(*title)
		if tt == "" {
			return dom.Task{}, ErrTitleRequired
		}
		title = &tt
	}
	if description != nil {
		dd := strings.TrimSpace(*description)
		description = &dd
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	t, err := s.repo.Update(ctx, id, repo.UpdateParams{
		Title:       title,
		Description: description,
		Completed:   completed,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dom.Task{}, ErrNotFound
		}
		return dom.Task{}, storageErr(err)
	}
	s.invalidateCache(ctx)
	return t, nil
}

// Complete marks the task done. Sugar over Update.
func (s *TaskService) Complete(ctx context.Context, id int64) (dom.Task, error) {
	done := true
	return s.Update(ctx, id, nil, nil, &done)
}

// SoftDelete tombstones the task. The outcome reported to the caller is the
// same whether the task was live, already tombstoned, or never existed: the
// goal "id is not in the live set" holds after every call.
func (s *TaskService) SoftDelete(ctx context.Context, id int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.repo.SoftDelete(ctx, id); err != nil {
		return storageErr(err)
	}
	s.invalidateCache(ctx)
	return nil
}

// Restore clears the tombstone. Restoring a task that is already live is a
// success returning the task unchanged; an unknown id is ErrNotFound.
func (s *TaskService) Restore(ctx context.Context, id int64) (dom.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	t, err := s.repo.Restore(ctx, id)
	if err == nil {
		s.invalidateCache(ctx)
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return dom.Task{}, storageErr(err)
	}

	// No tombstone to clear: either the task is live (fine) or it never existed.
	t, err = s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dom.Task{}, ErrNotFound
		}
		return dom.Task{}, storageErr(err)
	}
	return t, nil
}

// Purge hard-deletes a tombstoned task for compliance. Live or unknown ids
// report ErrNotFound; purge never touches the live set.
func (s *TaskService) Purge(ctx context.Context, id int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ok, err := s.repo.Purge(ctx, id)
	if err != nil {
		return storageErr(err)
	}
	if !ok {
		return ErrNotFound
	}
	s.invalidateCache(ctx)
	return nil
}

func (s *TaskService) getAny(ctx context.Context, id int64) (dom.Task, error) {
	t, err := s.repo.GetByIDAny(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dom.Task{}, ErrNotFound
		}
		return dom.Task{}, storageErr(err)
	}
	return t, nil
}

func (s *TaskService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *TaskService) invalidateCache(ctx context.Context) {
	if s.cache != nil {
		_ = s.cache.InvalidateAll(ctx)
	}
}

// storageErr folds infrastructure failures into ErrStorageUnavailable:
// timeouts, cancellations, and transport errors such as a refused or broken
// connection. Writes are transactional, so these are safe for the caller to
// retry: the mutation either committed fully or not at all. Errors the
// database itself reported pass through untouched.
func storageErr(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
	case pgconn.SafeToRetry(err):
	case errors.As(err, &netErr):
	default:
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
