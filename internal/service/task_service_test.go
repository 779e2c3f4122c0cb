package service

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	dom "github.com/bandhu-workshop/db-workshop/internal/domain"
	"github.com/bandhu-workshop/db-workshop/internal/repo"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeStore implements repo.TaskRepo and repo.IdempotencyLedger in memory.
// The mutex plays the role of the database transaction: CreateWithToken is
// atomic and the token map enforces the same uniqueness the primary key on
// idempotency_keys.token does, returning the same 23505 error pgx would.
type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	base   time.Time
	tasks  map[int64]dom.Task
	tokens map[string]int64
	fail   error // when set, every storage call returns it
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		base:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		tasks:  make(map[int64]dom.Task),
		tokens: make(map[string]int64),
	}
}

func uniqueViolation() error {
	return &pgconn.PgError{Code: "23505", ConstraintName: "idempotency_keys_pkey"}
}

func (f *fakeStore) insertLocked(t dom.Task) dom.Task {
	f.nextID++
	t.ID = f.nextID
	t.CreatedAt = f.base.Add(time.Duration(f.nextID) * time.Millisecond)
	f.tasks[t.ID] = t
	return t
}

func (f *fakeStore) Create(_ context.Context, t dom.Task) (dom.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertLocked(t), nil
}

func (f *fakeStore) CreateWithToken(_ context.Context, t dom.Task, token string) (dom.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.tokens[token]; exists {
		return dom.Task{}, uniqueViolation()
	}
	out := f.insertLocked(t)
	f.tokens[token] = out.ID
	return out, nil
}

func (f *fakeStore) GetByID(_ context.Context, id int64) (dom.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return dom.Task{}, f.fail
	}
	t, ok := f.tasks[id]
	if !ok || t.DeletedAt != nil {
		return dom.Task{}, pgx.ErrNoRows
	}
	return t, nil
}

func (f *fakeStore) GetByIDAny(_ context.Context, id int64) (dom.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return dom.Task{}, pgx.ErrNoRows
	}
	return t, nil
}

func (f *fakeStore) List(_ context.Context, p repo.ListParams) ([]dom.Task, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var all []dom.Task
	for _, t := range f.tasks {
		if !p.IncludeDeleted && t.DeletedAt != nil {
			continue
		}
		if p.Query != "" && !containsFold(t.Title, p.Query) {
			continue
		}
		if p.Completed != nil && t.Completed != *p.Completed {
			continue
		}
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	total := int64(len(all))
	if p.Offset >= len(all) {
		return nil, total, nil
	}
	end := p.Offset + p.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[p.Offset:end], total, nil
}

// Update mirrors the COALESCE statement: patch fields left nil keep the
// stored value, and the whole patch lands under one lock acquisition.
func (f *fakeStore) Update(_ context.Context, id int64, patch repo.UpdateParams) (dom.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return dom.Task{}, f.fail
	}
	t, ok := f.tasks[id]
	if !ok || t.DeletedAt != nil {
		return dom.Task{}, pgx.ErrNoRows
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Completed != nil {
		t.Completed = *patch.Completed
	}
	now := time.Now().UTC()
	t.UpdatedAt = &now
	f.tasks[id] = t
	return t, nil
}

func (f *fakeStore) SoftDelete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || t.DeletedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	t.DeletedAt = &now
	t.UpdatedAt = &now
	f.tasks[id] = t
	return nil
}

func (f *fakeStore) Restore(_ context.Context, id int64) (dom.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || t.DeletedAt == nil {
		return dom.Task{}, pgx.ErrNoRows
	}
	now := time.Now().UTC()
	t.DeletedAt = nil
	t.UpdatedAt = &now
	f.tasks[id] = t
	return t, nil
}

func (f *fakeStore) Purge(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || t.DeletedAt == nil {
		return false, nil
	}
	delete(f.tasks, id)
	for token, rid := range f.tokens {
		if rid == id {
			delete(f.tokens, token)
		}
	}
	return true, nil
}

func (f *fakeStore) Resolve(_ context.Context, token string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.tokens[token]
	if !ok {
		return 0, pgx.ErrNoRows
	}
	return id, nil
}

func (f *fakeStore) PurgeExpired(_ context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) taskCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func newTestService(f *fakeStore) *TaskService {
	return NewTaskService(f, f, nil, Params{})
}

func TestCreateWithoutTokenAlwaysInserts(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f)
	ctx := context.Background()

	first, err := svc.Create(ctx, "", "Buy milk", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := svc.Create(ctx, "", "Buy milk", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("tokenless creates must produce distinct records, both got id %d", first.ID)
	}
	if f.taskCount() != 2 {
		t.Fatalf("expected 2 stored tasks, got %d", f.taskCount())
	}
}

func TestCreateReplaySameToken(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f)
	ctx := context.Background()

	first, err := svc.Create(ctx, "abc-1", "Buy milk", "2 liters")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := svc.Create(ctx, "abc-1", "Buy milk", "2 liters")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("replay returned id %d, first call returned %d", second.ID, first.ID)
	}
	if second.Title != first.Title || second.Description != first.Description {
		t.Fatalf("replay returned different fields: %+v vs %+v", second, first)
	}
	if f.taskCount() != 1 {
		t.Fatalf("expected exactly 1 stored task, got %d", f.taskCount())
	}
}

func TestCreateConcurrentSameToken(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f)
	ctx := context.Background()

	const n = 16
	results := make([]dom.Task, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Create(ctx, "race-token", "Buy milk", "")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if results[i].ID != results[0].ID {
			t.Fatalf("call %d returned id %d, call 0 returned %d", i, results[i].ID, results[0].ID)
		}
		if results[i].Title != "Buy milk" {
			t.Fatalf("call %d returned title %q", i, results[i].Title)
		}
	}
	if f.taskCount() != 1 {
		t.Fatalf("expected exactly 1 stored task after %d racing creates, got %d", n, f.taskCount())
	}
}

func TestCreateDistinctTokensSamePayload(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f)
	ctx := context.Background()

	first, err := svc.Create(ctx, "abc-1", "Buy milk", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := svc.Create(ctx, "abc-2", "Buy milk", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("distinct tokens must produce distinct records")
	}
	if f.taskCount() != 2 {
		t.Fatalf("expected 2 stored tasks, got %d", f.taskCount())
	}
}

func TestCreateReplayAfterSoftDelete(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f)
	ctx := context.Background()

	first, err := svc.Create(ctx, "abc-1", "Buy milk", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.SoftDelete(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	replay, err := svc.Create(ctx, "abc-1", "Buy milk", "")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.ID != first.ID {
		t.Fatalf("replay after delete returned id %d, want %d", replay.ID, first.ID)
	}
	if replay.DeletedAt == nil {
		t.Fatalf("replay should return the tombstoned record as stored")
	}
	if f.taskCount() != 1 {
		t.Fatalf("replay must not create a second record")
	}
}

func TestCreateValidation(t *testing.T) {
	svc := newTestService(newFakeStore())
	ctx := context.Background()

	if _, err := svc.Create(ctx, "", "   ", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank title: got %v, want ErrValidation", err)
	}

	long := make([]byte, maxTokenLen+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := svc.Create(ctx, string(long), "Buy milk", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("long token: got %v, want ErrValidation", err)
	}
}

func TestUpdatePartialKeepsUnsetFields(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f)
	ctx := context.Background()

	created, err := svc.Create(ctx, "", "Buy milk", "2 liters")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	done := true
	updated, err := svc.Update(ctx, created.ID, nil, nil, &done)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "Buy milk" || updated.Description != "2 liters" {
		t.Fatalf("unset fields changed: %+v", updated)
	}
	if !updated.Completed {
		t.Fatalf("completed not applied")
	}
	if updated.UpdatedAt == nil {
		t.Fatalf("updated_at not bumped")
	}

	title := "Buy oat milk"
	updated, err = svc.Update(ctx, created.ID, &title, nil, nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "Buy oat milk" {
		t.Fatalf("title not applied: %q", updated.Title)
	}
	if updated.Description != "2 liters" || !updated.Completed {
		t.Fatalf("unset fields changed on second update: %+v", updated)
	}
}

func TestUpdateTombstonedIsNotFound(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f)
	ctx := context.Background()

	created, err := svc.Create(ctx, "", "Buy milk", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.SoftDelete(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	title := "changed"
	if _, err := svc.Update(ctx, created.ID, &title, nil, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update on tombstoned: got %v, want ErrNotFound", err)
	}
}

func TestUpdateConcurrentPatchesCompose(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f)
	ctx := context.Background()

	created, err := svc.Create(ctx, "", "Buy milk", "2 liters")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Two racing patches on different fields. Whichever order they land in,
	// both changes must survive: the later write must not revert the earlier
	// one from a stale read.
	title := "Buy oat milk"
	done := true
	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		_, errs[0] = svc.Update(ctx, created.ID, &title, nil, nil)
	}()
	go func() {
		defer wg.Done()
		<-start
		_, errs[1] = svc.Update(ctx, created.ID, nil, nil, &done)
	}()
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	got, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Buy oat milk" || !got.Completed {
		t.Fatalf("lost update: final title=%q completed=%v, want both patches applied", got.Title, got.Completed)
	}
	if got.Description != "2 liters" {
		t.Fatalf("untouched field changed: %q", got.Description)
	}
}

func TestUpdateValidatesBeforeStorage(t *testing.T) {
	f := newFakeStore()
	f.fail = errors.New("storage must not be reached")
	svc := newTestService(f)

	blank := "   "
	if _, err := svc.Update(context.Background(), 1, &blank, nil, nil); !errors.Is(err, ErrTitleRequired) {
		t.Fatalf("blank title: got %v, want ErrTitleRequired", err)
	}
}

func TestStorageErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, true},
		{"connection refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"query error stays raw", &pgconn.PgError{Code: "42703", Message: "column does not exist"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFakeStore()
			f.fail = tc.err
			svc := newTestService(f)

			_, err := svc.Get(context.Background(), 1)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if got := errors.Is(err, ErrStorageUnavailable); got != tc.retryable {
				t.Fatalf("classified %v as retryable=%v, want %v", err, got, tc.retryable)
			}
		})
	}
}

func TestSoftDeleteIdempotentOutcome(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f)
	ctx := context.Background()

	created, err := svc.Create(ctx, "", "Buy milk", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := svc.SoftDelete(ctx, created.ID); err != nil {
			t.Fatalf("delete call %d: %v", i+1, err)
		}
	}

	items, total, err := svc.List(ctx, ListParams{Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 0 || len(items) != 0 {
		t.Fatalf("deleted task still listed: %d items, total %d", len(items), total)
	}
}

func TestSoftDeleteUnknownIDIsSuccess(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f)

	if err := svc.SoftDelete(context.Background(), 7); err != nil {
		t.Fatalf("delete of unknown id: %v", err)
	}
	if f.taskCount() != 0 {
		t.Fatalf("delete must not create records")
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f)
	ctx := context.Background()

	created, err := svc.Create(ctx, "", "Buy milk", "2 liters")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.SoftDelete(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	restored, err := svc.Restore(ctx, created.ID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.DeletedAt != nil {
		t.Fatalf("tombstone not cleared")
	}
	if restored.Title != created.Title || restored.Description != created.Description || restored.Completed != created.Completed {
		t.Fatalf("non-timestamp fields changed across delete/restore: %+v", restored)
	}

	items, total, err := svc.List(ctx, ListParams{Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].ID != created.ID {
		t.Fatalf("restored task missing from list")
	}
}

func TestRestoreLiveIsSuccess(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f)
	ctx := context.Background()

	created, err := svc.Create(ctx, "", "Buy milk", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := svc.Restore(ctx, created.ID)
	if err != nil {
		t.Fatalf("restore of live task: %v", err)
	}
	if got.ID != created.ID {
		t.Fatalf("restore returned wrong task: %d", got.ID)
	}
}

func TestRestoreUnknownIDIsNotFound(t *testing.T) {
	svc := newTestService(newFakeStore())

	if _, err := svc.Restore(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestPurgeOnlyTombstoned(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f)
	ctx := context.Background()

	created, err := svc.Create(ctx, "purge-1", "Buy milk", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Purge(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("purge of live task: got %v, want ErrNotFound", err)
	}

	if err := svc.SoftDelete(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.Purge(ctx, created.ID); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if f.taskCount() != 0 {
		t.Fatalf("task not purged")
	}

	// The ledger entry went with the record, so the token starts over.
	fresh, err := svc.Create(ctx, "purge-1", "Buy milk", "")
	if err != nil {
		t.Fatalf("create after purge: %v", err)
	}
	if fresh.ID == created.ID {
		t.Fatalf("token replay after purge must create a fresh record")
	}
}

func TestGetTombstonedIsNotFound(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f)
	ctx := context.Background()

	created, err := svc.Create(ctx, "", "Buy milk", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.SoftDelete(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
