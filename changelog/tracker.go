package changelog

import (
	"context"
	"log/slog"

	"github.com/zonekit/zonekit/errors"
	"github.com/zonekit/zonekit/logging"
)

// Tracker observes local commits and maintains the change log. It is
// wired to the local store's commit hook; the hook fires synchronously
// after each commit, so log writes happen on the thread that made the
// edit, in their own transaction scope.
type Tracker struct {
	log    Log
	logger *logging.Logger
}

// NewTracker creates a tracker writing to the given log.
func NewTracker(log Log, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Tracker{log: log, logger: logger.WithComponent("changelog")}
}

// HandleCommit records the net changes from one committed transaction.
// Suitable for use as a local store commit hook.
func (t *Tracker) HandleCommit(ctx context.Context, ev CommitEvent) error {
	if ev.Empty() {
		return nil
	}

	changes := make([]Change, 0, len(ev.Inserted)+len(ev.Updated)+len(ev.Deleted))
	for _, ref := range ev.Inserted {
		changes = append(changes, Change{TypeName: ref.TypeName, RecordID: ref.RecordID, Kind: KindInsert})
	}
	for _, ref := range ev.Updated {
		changes = append(changes, Change{TypeName: ref.TypeName, RecordID: ref.RecordID, Kind: KindUpdate})
	}
	for _, ref := range ev.Deleted {
		changes = append(changes, Change{TypeName: ref.TypeName, RecordID: ref.RecordID, Kind: KindDelete})
	}

	if err := t.log.Record(ctx, changes); err != nil {
		wrapped := errors.WrapOpComponentCode(err, errors.OpTrack, "changelog", errors.ErrCodeStorageFailure)
		t.logger.LogError(ctx, wrapped, "failed to record commit in change log",
			slog.Int("changes", len(changes)),
		)
		return wrapped
	}

	t.logger.DebugContext(ctx, "recorded commit",
		slog.Int("inserted", len(ev.Inserted)),
		slog.Int("updated", len(ev.Updated)),
		slog.Int("deleted", len(ev.Deleted)),
	)
	return nil
}

// Run drains commit events from a channel until the context is
// cancelled or the channel closes. Use this when the local store
// delivers commits over a channel instead of a direct hook.
func (t *Tracker) Run(ctx context.Context, events <-chan CommitEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := t.HandleCommit(ctx, ev); err != nil {
				return err
			}
		}
	}
}
