package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonekit/zonekit/changelog"
	"github.com/zonekit/zonekit/conflict"
	"github.com/zonekit/zonekit/cursor"
	"github.com/zonekit/zonekit/dedupe"
	"github.com/zonekit/zonekit/record"
	"github.com/zonekit/zonekit/storage/sqlite"
	"github.com/zonekit/zonekit/transport"
	"github.com/zonekit/zonekit/transport/memory"
)

func testSchema(t *testing.T) *record.Schema {
	t.Helper()
	s, err := record.NewSchema(
		record.TypeDescriptor{
			Name: "Contact",
			Fields: []record.FieldDescriptor{
				{Name: "name", Kind: record.KindScalar},
				{Name: "email", Kind: record.KindScalar},
			},
		},
		record.TypeDescriptor{
			Name: "Note",
			Fields: []record.FieldDescriptor{
				{Name: "body", Kind: record.KindScalar},
				{Name: "contact", Kind: record.KindReference, RefType: "Contact", Cascade: true},
			},
		},
	)
	require.NoError(t, err)
	return s
}

type rig struct {
	store  *sqlite.Store
	zone   *memory.Zone
	engine *Engine
}

func newRig(t *testing.T, mutate func(*Options)) *rig {
	t.Helper()
	zone := memory.NewZone()
	r := newRigWithRemote(t, zone, mutate)
	r.zone = zone
	return r
}

func newRigWithRemote(t *testing.T, remote transport.Remote, mutate func(*Options)) *rig {
	t.Helper()

	schema := testSchema(t)
	cfg := sqlite.DefaultConfig(filepath.Join(t.TempDir(), "sync.db"))
	cfg.EntityTypes = schema.TypeNames()
	store, err := sqlite.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tracker := changelog.NewTracker(store.ChangeLog(), nil)
	store.SetCommitHook(func(ctx context.Context, ev changelog.CommitEvent) {
		_ = tracker.HandleCommit(ctx, ev)
	})

	opts := Options{Schema: schema}
	if mutate != nil {
		mutate(&opts)
	}
	eng, err := New(store, store.ChangeLog(), remote, store.SyncState(), store.SyncState(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	return &rig{store: store, engine: eng}
}

// scriptRemote drives push behavior from a test-supplied function and
// serves an empty change feed.
type scriptRemote struct {
	write func(call int, toSave []record.RemoteRecord, toDelete []string) (*transport.WriteResult, error)
	calls int
}

func (s *scriptRemote) ProvisionZone(ctx context.Context) error   { return nil }
func (s *scriptRemote) DeprovisionZone(ctx context.Context) error { return nil }

func (s *scriptRemote) WriteRecords(ctx context.Context, toSave []record.RemoteRecord, toDelete []string) (*transport.WriteResult, error) {
	s.calls++
	return s.write(s.calls, toSave, toDelete)
}

func (s *scriptRemote) FetchDeltaSince(ctx context.Context, token []byte) (*transport.Delta, error) {
	return &transport.Delta{Cursor: cursor.SyncCursor{Token: token}}, nil
}

func (r *rig) upsertLocal(t *testing.T, e *record.Entity) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Upsert(ctx, e))
	require.NoError(t, tx.Commit())
}

func (r *rig) deleteLocal(t *testing.T, typeName, recordID string) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.DeleteByRecordID(ctx, typeName, recordID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
}

func (r *rig) getLocal(t *testing.T, typeName, recordID string) *record.Entity {
	t.Helper()
	ctx := context.Background()
	tx, err := r.store.BeginSync(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	e, err := tx.Get(ctx, typeName, recordID)
	require.NoError(t, err)
	return e
}

func TestNewValidatesDependencies(t *testing.T) {
	schema := testSchema(t)

	_, err := New(nil, nil, nil, nil, nil, Options{Schema: schema})
	assert.Error(t, err)

	r := newRig(t, nil)
	_, err = New(r.store, r.store.ChangeLog(), r.zone, r.store.SyncState(), r.store.SyncState(), Options{})
	assert.Error(t, err)

	_, err = New(r.store, r.store.ChangeLog(), r.zone, r.store.SyncState(), r.store.SyncState(), Options{
		Schema: schema,
		Policy: conflict.Custom,
	})
	assert.Error(t, err)
}

func TestFirstPassProvisionsZoneOnce(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	result, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, result.State)

	provisioned, err := r.store.SyncState().Provisioned(ctx)
	require.NoError(t, err)
	assert.True(t, provisioned)
}

func TestPushInsertRoundTrip(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	e := &record.Entity{TypeName: "Contact", Fields: map[string]any{"name": "Ada"}}
	r.upsertLocal(t, e)

	result, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pushed)
	assert.Zero(t, result.ConflictsResolved)

	// Remote has the record with a fresh change tag.
	remote, ok := r.zone.Record(e.RecordID)
	require.True(t, ok)
	assert.Equal(t, "Ada", remote.Fields["name"])
	assert.NotEmpty(t, remote.ChangeTag)

	// The accepted tag landed back on the local entity.
	local := r.getLocal(t, "Contact", e.RecordID)
	require.NotNil(t, local)
	sf, err := record.DecodeSystemFields(local.SystemMetadata)
	require.NoError(t, err)
	assert.Equal(t, remote.ChangeTag, sf.ChangeTag)

	// The change log entry was wiped after the confirmed push.
	entries, err := r.store.ChangeLog().Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSecondPassIsIdempotent(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	r.upsertLocal(t, &record.Entity{TypeName: "Contact", Fields: map[string]any{"name": "Ada"}})
	_, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)

	tokenBefore, err := r.store.SyncState().Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, tokenBefore)

	result, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Pushed)
	assert.Zero(t, result.Pulled)
	assert.Zero(t, result.Deleted)

	tokenAfter, err := r.store.SyncState().Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, tokenBefore, tokenAfter)
}

func TestPullAppliesRemoteRecordsWithoutTracking(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	r.zone.Seed(record.RemoteRecord{
		TypeName:   "Contact",
		RecordID:   "c-remote",
		ModifiedAt: time.Now().UTC(),
		Fields:     map[string]any{"name": "Grace"},
	})

	result, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pulled)

	local := r.getLocal(t, "Contact", "c-remote")
	require.NotNil(t, local)
	assert.Equal(t, "Grace", local.Fields["name"])

	// Pulled changes must not re-enter the change log.
	entries, err := r.store.ChangeLog().Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPullResolvesReferencesAcrossBatch(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	// The note arrives before its target contact; both are in one
	// batch, so the reference still resolves.
	r.zone.Seed(record.RemoteRecord{
		TypeName:   "Note",
		RecordID:   "n-1",
		ModifiedAt: time.Now().UTC(),
		Fields:     map[string]any{"body": "call"},
		References: map[string]record.Reference{
			"contact": {TypeName: "Contact", RecordID: "c-1", Cascade: true},
		},
	})
	r.zone.Seed(record.RemoteRecord{
		TypeName:   "Contact",
		RecordID:   "c-1",
		ModifiedAt: time.Now().UTC(),
		Fields:     map[string]any{"name": "Ada"},
	})

	_, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)

	note := r.getLocal(t, "Note", "n-1")
	require.NotNil(t, note)
	assert.Equal(t, "c-1", note.Fields["contact"])
}

func TestPullLeavesDanglingReferenceUnset(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	r.zone.Seed(record.RemoteRecord{
		TypeName:   "Note",
		RecordID:   "n-1",
		ModifiedAt: time.Now().UTC(),
		Fields:     map[string]any{"body": "call"},
		References: map[string]record.Reference{
			"contact": {TypeName: "Contact", RecordID: "c-missing"},
		},
	})

	result, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, result.State)

	note := r.getLocal(t, "Note", "n-1")
	require.NotNil(t, note)
	_, set := note.Fields["contact"]
	assert.False(t, set)
}

func TestDeletePropagation(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	e := &record.Entity{TypeName: "Contact", Fields: map[string]any{"name": "Ada"}}
	r.upsertLocal(t, e)
	_, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)

	// Local delete reaches the remote.
	r.deleteLocal(t, "Contact", e.RecordID)
	result, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pushed)
	_, ok := r.zone.Record(e.RecordID)
	assert.False(t, ok)

	// Remote delete reaches the local store.
	r.zone.Seed(record.RemoteRecord{
		TypeName:   "Contact",
		RecordID:   "c-2",
		ModifiedAt: time.Now().UTC(),
		Fields:     map[string]any{"name": "Grace"},
	})
	_, err = r.engine.SyncNow(ctx)
	require.NoError(t, err)
	require.NotNil(t, r.getLocal(t, "Contact", "c-2"))

	_, err = r.zone.WriteRecords(ctx, nil, []string{"c-2"})
	require.NoError(t, err)
	result, err = r.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)
	assert.Nil(t, r.getLocal(t, "Contact", "c-2"))
}

func TestInsertThenDeleteNeverReachesRemote(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	e := &record.Entity{TypeName: "Contact", Fields: map[string]any{"name": "fleeting"}}
	r.upsertLocal(t, e)
	r.deleteLocal(t, "Contact", e.RecordID)

	result, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Pushed)
	_, ok := r.zone.Record(e.RecordID)
	assert.False(t, ok)
}

func conflictSetup(t *testing.T, r *rig) (recordID string) {
	t.Helper()
	ctx := context.Background()

	e := &record.Entity{TypeName: "Contact", Fields: map[string]any{"name": "original"}}
	r.upsertLocal(t, e)
	_, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)

	// Another client updates the record remotely; the tag advances
	// past what the local entity carries.
	r.zone.Seed(record.RemoteRecord{
		TypeName:   "Contact",
		RecordID:   e.RecordID,
		ModifiedAt: time.Now().UTC().Add(-time.Hour),
		Fields:     map[string]any{"name": "server edit"},
	})

	// Local edit on the stale copy.
	local := r.getLocal(t, "Contact", e.RecordID)
	require.NotNil(t, local)
	local.Fields["name"] = "client edit"
	local.ModifiedAt = time.Now().UTC()
	r.upsertLocal(t, local)

	return e.RecordID
}

func TestConflictKeepNewerClientWins(t *testing.T) {
	r := newRig(t, func(o *Options) { o.Policy = conflict.KeepNewer })
	ctx := context.Background()

	id := conflictSetup(t, r)

	result, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ConflictsResolved)
	assert.Equal(t, StateIdle, result.State)

	remote, ok := r.zone.Record(id)
	require.True(t, ok)
	assert.Equal(t, "client edit", remote.Fields["name"])

	local := r.getLocal(t, "Contact", id)
	assert.Equal(t, "client edit", local.Fields["name"])
}

func TestConflictKeepServerDiscardsClient(t *testing.T) {
	r := newRig(t, func(o *Options) { o.Policy = conflict.KeepServer })
	ctx := context.Background()

	id := conflictSetup(t, r)

	result, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ConflictsResolved)

	remote, ok := r.zone.Record(id)
	require.True(t, ok)
	assert.Equal(t, "server edit", remote.Fields["name"])

	// The server version also lands locally, replacing the client edit.
	local := r.getLocal(t, "Contact", id)
	assert.Equal(t, "server edit", local.Fields["name"])
}

func TestPaginatedPullAppliesAllPages(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.zone.SetPageSize(2)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		r.zone.Seed(record.RemoteRecord{
			TypeName:   "Contact",
			RecordID:   id,
			ModifiedAt: time.Now().UTC(),
			Fields:     map[string]any{"name": id},
		})
	}

	result, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Pulled)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		assert.NotNil(t, r.getLocal(t, "Contact", id))
	}
}

func TestDedupeAfterPull(t *testing.T) {
	r := newRig(t, func(o *Options) {
		o.Dedupe = &dedupe.Options{
			UniqueAttributes: func(typeName string) []string {
				if typeName == "Contact" {
					return []string{"email"}
				}
				return nil
			},
			Selector: dedupe.KeepNewest,
		}
	})
	ctx := context.Background()

	r.upsertLocal(t, &record.Entity{
		TypeName:   "Contact",
		ModifiedAt: time.Now().UTC().Add(-time.Hour),
		Fields:     map[string]any{"name": "Ada", "email": "ada@example.com"},
	})
	r.zone.Seed(record.RemoteRecord{
		TypeName:   "Contact",
		RecordID:   "c-remote",
		ModifiedAt: time.Now().UTC(),
		Fields:     map[string]any{"name": "Ada L.", "email": "ada@example.com"},
	})

	result, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deduplicated)

	survivor := r.getLocal(t, "Contact", "c-remote")
	require.NotNil(t, survivor)
	assert.Equal(t, "Ada L.", survivor.Fields["name"])
}

func TestDeleteZoneAndResetCursor(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	r.upsertLocal(t, &record.Entity{TypeName: "Contact", Fields: map[string]any{"name": "Ada"}})
	_, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)

	require.NoError(t, r.engine.DeleteZoneAndResetCursor(ctx))

	token, err := r.store.SyncState().Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, token)

	provisioned, err := r.store.SyncState().Provisioned(ctx)
	require.NoError(t, err)
	assert.False(t, provisioned)

	// The next pass provisions a fresh zone and starts from scratch.
	result, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, result.State)
}

func TestSubscribeObservesPassResults(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	var results []*Result
	r.engine.Subscribe(func(res *Result) { results = append(results, res) })

	_, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, StateIdle, results[0].State)
	assert.NotEmpty(t, results[0].PassID)
}

func TestSkippedResolutionApplyIsCounted(t *testing.T) {
	// The remote accepts the push but answers with a record the schema
	// does not know; applying it back is skipped and the pass reports
	// the skip instead of swallowing it.
	remote := &scriptRemote{
		write: func(call int, toSave []record.RemoteRecord, toDelete []string) (*transport.WriteResult, error) {
			return &transport.WriteResult{
				Saved: []record.RemoteRecord{{
					TypeName:   "Widget",
					RecordID:   "w-1",
					ChangeTag:  "tag-1",
					ModifiedAt: time.Now().UTC(),
					Fields:     map[string]any{"name": "?"},
				}},
			}, nil
		},
	}
	r := newRigWithRemote(t, remote, nil)
	ctx := context.Background()

	r.upsertLocal(t, &record.Entity{TypeName: "Contact", Fields: map[string]any{"name": "Ada"}})

	result, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, result.State)
	assert.Equal(t, 1, result.Pushed)
	assert.Equal(t, 1, result.Skipped)
}

func TestConflictOnDeleteDropsTheDelete(t *testing.T) {
	serverCopy := &record.RemoteRecord{
		TypeName:   "Contact",
		RecordID:   "",
		ChangeTag:  "tag-9",
		ModifiedAt: time.Now().UTC(),
		Fields:     map[string]any{"name": "revived"},
	}
	var secondDelete []string
	remote := &scriptRemote{
		write: func(call int, toSave []record.RemoteRecord, toDelete []string) (*transport.WriteResult, error) {
			switch call {
			case 1:
				// Echo saves with tags; establishes the local entity.
				result := &transport.WriteResult{}
				for i := range toSave {
					rec := toSave[i]
					rec.ChangeTag = "tag-1"
					result.Saved = append(result.Saved, rec)
					serverCopy.RecordID = rec.RecordID
				}
				return result, nil
			case 2:
				// The delete races a remote edit: conflict with no
				// client record, server holds its current copy.
				return &transport.WriteResult{
					Conflicts: []transport.Conflict{{Server: serverCopy}},
				}, nil
			default:
				secondDelete = toDelete
				return &transport.WriteResult{}, nil
			}
		},
	}
	r := newRigWithRemote(t, remote, nil)
	ctx := context.Background()

	e := &record.Entity{TypeName: "Contact", Fields: map[string]any{"name": "Ada"}}
	r.upsertLocal(t, e)
	_, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)

	r.deleteLocal(t, "Contact", e.RecordID)
	result, err := r.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, result.State)
	assert.Equal(t, 1, result.ConflictsResolved)

	// The resubmission no longer carries the contested delete, and the
	// pending entry is gone: no resubmit loop on the next pass.
	assert.Empty(t, secondDelete)
	entries, err := r.store.ChangeLog().Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCloseIsSafeAgainstConcurrentRequests(t *testing.T) {
	r := newRig(t, nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					r.engine.PerformSync()
					_, _ = r.engine.SyncNow(context.Background())
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.engine.Close())
	close(stop)
	wg.Wait()

	_, err := r.engine.SyncNow(context.Background())
	assert.Error(t, err)
}

func TestCloseRejectsFurtherRequests(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.engine.Close())
	require.NoError(t, r.engine.Close())

	_, err := r.engine.SyncNow(context.Background())
	assert.Error(t, err)
	assert.Error(t, r.engine.DeleteZoneAndResetCursor(context.Background()))

	// Fire-and-forget requests are silently dropped once closed.
	r.engine.PerformSync()
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.NotEmpty(t, StatePushingChanges.String())
}
