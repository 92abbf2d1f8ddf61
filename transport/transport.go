// Package transport defines the remote store contract consumed by the
// sync engine. The engine is protocol-agnostic: any implementation of
// Remote can back it.
package transport

import (
	"context"

	"github.com/zonekit/zonekit/cursor"
	"github.com/zonekit/zonekit/record"
)

// Conflict is one per-record write conflict reported by the remote.
// Ancestor is nil when the remote does not retain a common ancestor.
type Conflict struct {
	Server   *record.RemoteRecord
	Client   *record.RemoteRecord
	Ancestor *record.RemoteRecord
}

// WriteResult is the outcome of one atomic record write. Saved holds
// the accepted records with their server-issued change tags; Conflicts
// holds every record the remote rejected for version mismatch.
type WriteResult struct {
	Saved     []record.RemoteRecord
	Conflicts []Conflict
}

// Delta is one page of remote changes.
type Delta struct {
	Records          []record.RemoteRecord
	DeletedRecordIDs []string
	Cursor           cursor.SyncCursor
}

// Remote is the transport to the remote record store. Calls block
// until the remote responds; timeouts are owned by the implementation,
// not by the engine.
type Remote interface {
	// ProvisionZone creates the logical namespace scoping all synced
	// records. Idempotent.
	ProvisionZone(ctx context.Context) error

	// DeprovisionZone deletes the zone and everything in it.
	DeprovisionZone(ctx context.Context) error

	// WriteRecords submits saves and deletes as one atomic write.
	// Per-record conflicts are reported in the result, not as an
	// error; any returned error is a transport failure. A remote that
	// version-checks deletes reports those conflicts with Client nil
	// and Server set to its current copy.
	WriteRecords(ctx context.Context, toSave []record.RemoteRecord, toDelete []string) (*WriteResult, error)

	// FetchDeltaSince returns the page of changes after the given
	// token. A nil token fetches from the beginning of the zone's
	// history.
	FetchDeltaSince(ctx context.Context, token []byte) (*Delta, error)
}
