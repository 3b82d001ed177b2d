package store

import (
	"context"
	"database/sql"
	"time"
)

// GCLoop forces the lazy expired-invitation cleanup every interval even in
// the absence of writes, so expired rows are cleared on an otherwise idle
// server too (a re-issuing add-peer is itself a write and clears them
// first). Mirrors the teacher's registry.cleanupRoutine.
func (s *Store) GCLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.withTx(ctx, func(tx *sql.Tx) error { return nil })
		}
	}
}
