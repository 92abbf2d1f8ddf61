// Package cursor defines the pagination cursor handed out by the
// remote store and the persistence contract for the last
// successfully-applied position.
package cursor

import "context"

// SyncCursor marks a position in the remote change feed. Token is
// opaque server-issued bytes; MoreComing signals that another page of
// changes is available for the same fetch sequence.
type SyncCursor struct {
	MoreComing bool
	Token      []byte
}

// Store persists the token of the last fully-applied pull position.
// Save must only be called after the batch of changes for that token
// has been durably applied locally.
type Store interface {
	// Load returns the persisted token, or nil if none exists.
	Load(ctx context.Context) ([]byte, error)

	// Save persists the token.
	Save(ctx context.Context, token []byte) error

	// Reset removes the persisted token.
	Reset(ctx context.Context) error
}
