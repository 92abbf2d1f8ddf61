// Package localstore defines the contract the sync engine consumes
// from the local persistence engine. The engine never talks to a
// database directly: it borrows transactional views from a Store and
// merges results back by committing them.
package localstore

import (
	"context"

	"github.com/zonekit/zonekit/record"
)

// Store is the local entity store.
type Store interface {
	// Begin opens a caller-facing transactional view. Mutations
	// committed through it are observed by the change tracker via the
	// store's commit hook.
	Begin(ctx context.Context) (Tx, error)

	// BeginSync opens the engine's private transactional view.
	// Commits through it bypass the change tracker: changes applied
	// from the remote must not be pushed back.
	BeginSync(ctx context.Context) (Tx, error)

	// EntityTypes lists every entity type known to the store,
	// including types with no live entities.
	EntityTypes(ctx context.Context) ([]string, error)
}

// Tx is one transactional view. Readers outside the transaction never
// observe uncommitted writes.
type Tx interface {
	// Get returns the entity with the given identity, or nil if none
	// exists.
	Get(ctx context.Context, typeName, recordID string) (*record.Entity, error)

	// ListByType returns all entities of one type.
	ListByType(ctx context.Context, typeName string) ([]record.Entity, error)

	// Upsert inserts or updates an entity. An entity with an empty
	// RecordID is assigned one; the ID never changes afterwards.
	Upsert(ctx context.Context, e *record.Entity) error

	// DeleteByRecordID removes the entity with the given identity and
	// reports whether anything was deleted.
	DeleteByRecordID(ctx context.Context, typeName, recordID string) (bool, error)

	Commit() error
	Rollback() error
}
