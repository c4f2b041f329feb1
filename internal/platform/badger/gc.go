package badger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// RunGC reclaims value log space every interval until ctx is cancelled.
// Each tick rewrites files while badger reports something to reclaim.
// In-memory databases have no value log, so RunGC returns immediately.
func RunGC(ctx context.Context, db *badger.DB, interval time.Duration, discardRatio float64, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if db.Opts().InMemory {
		logger.DebugContext(ctx, "badger value log GC disabled for in-memory database")
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			collectGarbage(ctx, db, discardRatio, logger)
		}
	}
}

func collectGarbage(ctx context.Context, db *badger.DB, discardRatio float64, logger *slog.Logger) {
	rewrites := 0
	for ctx.Err() == nil {
		err := db.RunValueLogGC(discardRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			break
		}
		if err != nil {
			logger.WarnContext(ctx, "badger value log GC failed", "error", err)
			return
		}
		rewrites++
	}
	if rewrites > 0 {
		logger.DebugContext(ctx, "badger value log GC completed", "rewrites", rewrites)
	}
}
