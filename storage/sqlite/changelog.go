package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/zonekit/zonekit/changelog"
	syncErrors "github.com/zonekit/zonekit/errors"
)

// ChangeLog implements changelog.Log over the change_log table. Every
// operation runs in its own transaction, independent of any entity
// transaction, so a corrupt or interrupted sync pass never damages
// the log.
type ChangeLog struct {
	store *Store
}

var _ changelog.Log = (*ChangeLog)(nil)

// Record applies a batch of incoming changes atomically, coalescing
// each change against the stored entry per changelog.Reduce.
func (l *ChangeLog) Record(ctx context.Context, changes []changelog.Change) error {
	if len(changes) == 0 {
		return nil
	}

	l.store.mu.RLock()
	if l.store.closed {
		l.store.mu.RUnlock()
		return ErrStoreClosed
	}
	l.store.mu.RUnlock()

	tx, err := l.store.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpTrack, err)
	}
	defer tx.Rollback()

	for _, ch := range changes {
		var existing *changelog.Kind
		var kindStr string
		err := tx.QueryRowContext(ctx,
			`SELECT kind FROM change_log WHERE record_id = ?`, ch.RecordID).Scan(&kindStr)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// no entry
		case err != nil:
			return syncErrors.NewStorageError(syncErrors.OpTrack, err)
		default:
			k := changelog.Kind(kindStr)
			existing = &k
		}

		kind, keep := changelog.Reduce(existing, ch.Kind)
		if !keep {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM change_log WHERE record_id = ?`, ch.RecordID); err != nil {
				return syncErrors.NewStorageError(syncErrors.OpTrack, err)
			}
			continue
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO change_log (record_id, type_name, kind)
			 VALUES (?, ?, ?)
			 ON CONFLICT (record_id) DO UPDATE SET
			   kind = excluded.kind,
			   changed_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
			ch.RecordID, ch.TypeName, string(kind)); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpTrack, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpTrack, err)
	}
	return nil
}

// Pending returns all entries currently in the log, oldest first.
func (l *ChangeLog) Pending(ctx context.Context) ([]changelog.Entry, error) {
	l.store.mu.RLock()
	if l.store.closed {
		l.store.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	l.store.mu.RUnlock()

	rows, err := l.store.db.QueryContext(ctx,
		`SELECT type_name, record_id, kind FROM change_log ORDER BY changed_at, record_id`)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpTrack, err)
	}
	defer rows.Close()

	var entries []changelog.Entry
	for rows.Next() {
		var e changelog.Entry
		var kind string
		if err := rows.Scan(&e.TypeName, &e.RecordID, &kind); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpTrack, err)
		}
		e.Kind = changelog.Kind(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpTrack, err)
	}
	return entries, nil
}

// SQLite caps bound variables at 999 by default; IN lists stay well
// under it.
const wipeChunkSize = 500

// Wipe removes the entries for the given record IDs.
func (l *ChangeLog) Wipe(ctx context.Context, recordIDs []string) error {
	if len(recordIDs) == 0 {
		return nil
	}

	l.store.mu.RLock()
	if l.store.closed {
		l.store.mu.RUnlock()
		return ErrStoreClosed
	}
	l.store.mu.RUnlock()

	for start := 0; start < len(recordIDs); start += wipeChunkSize {
		end := start + wipeChunkSize
		if end > len(recordIDs) {
			end = len(recordIDs)
		}
		chunk := recordIDs[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		if _, err := l.store.db.ExecContext(ctx,
			`DELETE FROM change_log WHERE record_id IN (`+placeholders+`)`, args...); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpTrack, err)
		}
	}
	return nil
}

// Clear removes every entry.
func (l *ChangeLog) Clear(ctx context.Context) error {
	l.store.mu.RLock()
	if l.store.closed {
		l.store.mu.RUnlock()
		return ErrStoreClosed
	}
	l.store.mu.RUnlock()

	_, err := l.store.db.ExecContext(ctx, `DELETE FROM change_log`)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpTrack, err)
	}
	return nil
}
