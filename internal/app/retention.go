package app

import (
	"context"
	"time"

	"github.com/bandhu-workshop/db-workshop/internal/repo"

	log "github.com/sirupsen/logrus"
)

// startLedgerSweeper runs the idempotency retention job: entries older than
// the configured TTL are dropped, after which a replayed token is treated as
// a brand new create. Swept ids stay valid: only the token mapping expires.
func (a *App) startLedgerSweeper() {
	interval := a.cfg.Idempotency.SweepInterval.Duration()
	ttl := a.cfg.Idempotency.TTL.Duration()
	if interval <= 0 || ttl <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.stopSweeper = cancel
	a.sweeperDone = make(chan struct{})
	ledger := repo.NewPGLedger(a.db)

	go func() {
		defer close(a.sweeperDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepCtx, sweepCancel := context.WithTimeout(ctx, time.Minute)
				n, err := ledger.PurgeExpired(sweepCtx, time.Now().UTC().Add(-ttl))
				sweepCancel()
				if err != nil {
					log.WithError(err).Warn("idempotency sweep failed")
					continue
				}
				if n > 0 {
					log.WithField("purged", n).Info("idempotency sweep")
				}
			}
		}
	}()
}
