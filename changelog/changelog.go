// Package changelog tracks pending local mutations between sync
// passes. The log is keyed by record ID and always reflects the net
// effect of local edits since the last successful push: repeated
// changes to the same record coalesce, and an insert cancelled by a
// delete before it was ever pushed leaves no entry at all.
package changelog

import (
	"context"

	"github.com/zonekit/zonekit/record"
)

// Kind is the net change recorded for an entity.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Entry is one pending change. At most one entry exists per record ID.
type Entry struct {
	TypeName string
	RecordID string
	Kind     Kind
}

// Change is an incoming mutation observed from a local commit.
type Change struct {
	TypeName string
	RecordID string
	Kind     Kind
}

// Reduce coalesces an incoming change against the existing entry for
// the same record, if any. It returns the kind the entry should hold
// and whether an entry should exist at all afterwards.
//
// The rules guarantee the remote never sees a delete for a record it
// never received, nor an update for a record already deleted:
//
//	incoming Insert, no entry      -> Insert
//	incoming Update, no entry      -> Update
//	incoming Update, entry Insert  -> Insert (never downgrade)
//	incoming Update, entry Update  -> Update
//	incoming Delete, no entry      -> Delete
//	incoming Delete, entry Insert  -> no entry (net-zero cancellation)
//	incoming Delete, entry Update  -> Delete
func Reduce(existing *Kind, incoming Kind) (Kind, bool) {
	if existing == nil {
		return incoming, true
	}
	switch incoming {
	case KindInsert:
		// A record ID is minted once, so an insert over an existing
		// entry means the record was deleted and re-created locally:
		// the remote already knows it, so the net effect is an update.
		if *existing == KindDelete {
			return KindUpdate, true
		}
		return *existing, true
	case KindUpdate:
		if *existing == KindInsert {
			return KindInsert, true
		}
		return KindUpdate, true
	case KindDelete:
		if *existing == KindInsert {
			return "", false
		}
		return KindDelete, true
	}
	return *existing, true
}

// Log is the durable store for pending changes. It lives in its own
// store, independent of entity data, so a failed sync pass can be
// retried without touching entities.
type Log interface {
	// Record applies a batch of incoming changes atomically, coalescing
	// each against the existing entry per Reduce.
	Record(ctx context.Context, changes []Change) error

	// Pending returns all entries currently in the log.
	Pending(ctx context.Context) ([]Entry, error)

	// Wipe removes the entries for the given record IDs. Called only
	// after the remote has confirmed the corresponding push.
	Wipe(ctx context.Context, recordIDs []string) error

	// Clear removes every entry.
	Clear(ctx context.Context) error
}

// CommitEvent describes one committed local transaction. Delivery is
// after-commit, on the committing goroutine, in the order commits
// happened.
type CommitEvent struct {
	Inserted []record.Ref
	Updated  []record.Ref
	Deleted  []record.Ref
}

// Empty reports whether the event carries no changes.
func (ev CommitEvent) Empty() bool {
	return len(ev.Inserted) == 0 && len(ev.Updated) == 0 && len(ev.Deleted) == 0
}
