package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/zonekit/zonekit/cursor"
	syncErrors "github.com/zonekit/zonekit/errors"
)

const (
	keyCursorToken     = "cursor_token"
	keyZoneProvisioned = "zone_provisioned"
)

// SyncState implements cursor.Store plus the zone provisioning flag
// over the sync_state table.
type SyncState struct {
	store *Store
}

var _ cursor.Store = (*SyncState)(nil)

// Load returns the persisted pull token, or nil if none exists.
func (s *SyncState) Load(ctx context.Context) ([]byte, error) {
	return s.get(ctx, keyCursorToken)
}

// Save persists the pull token. Callers must only invoke this after
// the batch for that token has been durably applied.
func (s *SyncState) Save(ctx context.Context, token []byte) error {
	return s.put(ctx, keyCursorToken, token)
}

// Reset removes the persisted token.
func (s *SyncState) Reset(ctx context.Context) error {
	return s.del(ctx, keyCursorToken)
}

// Provisioned reports whether the zone has been provisioned.
func (s *SyncState) Provisioned(ctx context.Context) (bool, error) {
	v, err := s.get(ctx, keyZoneProvisioned)
	if err != nil {
		return false, err
	}
	return len(v) == 1 && v[0] == 1, nil
}

// SetProvisioned records the zone provisioning state.
func (s *SyncState) SetProvisioned(ctx context.Context, provisioned bool) error {
	if !provisioned {
		return s.del(ctx, keyZoneProvisioned)
	}
	return s.put(ctx, keyZoneProvisioned, []byte{1})
}

func (s *SyncState) get(ctx context.Context, key string) ([]byte, error) {
	s.store.mu.RLock()
	if s.store.closed {
		s.store.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.store.mu.RUnlock()

	var value []byte
	err := s.store.db.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpCursor, err)
	}
	return value, nil
}

func (s *SyncState) put(ctx context.Context, key string, value []byte) error {
	s.store.mu.RLock()
	if s.store.closed {
		s.store.mu.RUnlock()
		return ErrStoreClosed
	}
	s.store.mu.RUnlock()

	_, err := s.store.db.ExecContext(ctx,
		`INSERT INTO sync_state (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpCursor, err)
	}
	return nil
}

func (s *SyncState) del(ctx context.Context, key string) error {
	s.store.mu.RLock()
	if s.store.closed {
		s.store.mu.RUnlock()
		return ErrStoreClosed
	}
	s.store.mu.RUnlock()

	_, err := s.store.db.ExecContext(ctx,
		`DELETE FROM sync_state WHERE key = ?`, key)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpCursor, err)
	}
	return nil
}
