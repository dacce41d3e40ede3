package maintenance

import (
	"context"
	"time"

	"github.com/ringdown/ringdown/internal/observability"
)

// ConversationSweeper drops conversations that have been idle too long.
type ConversationSweeper interface {
	SweepIdle(idleFor time.Duration) int
}

// SessionExpirer releases managed-AV sessions whose tokens have lapsed.
type SessionExpirer interface {
	ExpireStale(ctx context.Context) int
}

// CallPruner deletes archived calls older than a cutoff.
type CallPruner interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// IdleConversationSweep evicts conversations untouched for idleFor.
func IdleConversationSweep(store ConversationSweeper, idleFor time.Duration, logger *observability.Logger) Job {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return Job{
		Name: "idle_conversation_sweep",
		Run: func(ctx context.Context) {
			if n := store.SweepIdle(idleFor); n > 0 {
				logger.Info(ctx, "idle conversations swept", "count", n, "idle_for", idleFor)
			}
		},
	}
}

// ManagedSessionExpiry drops managed-AV sessions past their token TTL.
func ManagedSessionExpiry(sessions SessionExpirer) Job {
	return Job{
		Name: "managed_session_expiry",
		Run: func(ctx context.Context) {
			sessions.ExpireStale(ctx)
		},
	}
}

// ArchiveRetention prunes archived calls older than retention.
func ArchiveRetention(store CallPruner, retention time.Duration, logger *observability.Logger) Job {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return Job{
		Name: "archive_retention",
		Run: func(ctx context.Context) {
			cutoff := time.Now().UTC().Add(-retention)
			if _, err := store.PruneOlderThan(ctx, cutoff); err != nil {
				logger.Error(ctx, "archive retention prune failed", "error", err)
			}
		},
	}
}
