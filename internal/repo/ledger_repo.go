package repo

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyLedger resolves client tokens to the record they produced.
// Reservation happens inside TaskRepo.CreateWithToken, in the same
// transaction as the task insert; the ledger itself is read/purge only.
type IdempotencyLedger interface {
	Resolve(ctx context.Context, token string) (int64, error)
	PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error)
}

type PGLedger struct {
	db *pgxpool.Pool
}

func NewPGLedger(db *pgxpool.Pool) *PGLedger {
	return &PGLedger{db: db}
}

// Resolve returns the record id the token reserved, or pgx.ErrNoRows.
func (r *PGLedger) Resolve(ctx context.Context, token string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`SELECT record_id FROM idempotency_keys WHERE token = $1`, token,
	).Scan(&id)
	return id, err
}

// PurgeExpired drops ledger entries older than the retention window. A token
// replayed after its entry expired is treated as a brand new create.
func (r *PGLedger) PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < $1`, olderThan,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
