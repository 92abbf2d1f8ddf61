package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/zonekit/zonekit/changelog"
	syncErrors "github.com/zonekit/zonekit/errors"
	"github.com/zonekit/zonekit/logging"
	"github.com/zonekit/zonekit/record"
	"github.com/zonekit/zonekit/transport"
)

// runPass executes one full sync pass to a terminal state. Any error
// after the push is confirmed leaves already-wiped log entries gone
// (they were accepted by the remote) but keeps the cursor where it
// was, so the next pass re-pulls and re-applies safely.
func (e *Engine) runPass(ctx context.Context) *Result {
	result := &Result{
		PassID:    ulid.Make().String(),
		StartTime: time.Now(),
	}
	logger := &logging.Logger{Logger: e.logger.With(slog.String("pass_id", result.PassID))}
	logger.InfoContext(ctx, "sync pass started")

	defer func() {
		result.Duration = time.Since(result.StartTime)
		e.transition(result.State)
		e.opts.Metrics.RecordPassDuration(result.Duration)
		if result.Err == nil {
			e.opts.Metrics.RecordSyncRecords(result.Pushed, result.Pulled)
			if result.ConflictsResolved > 0 {
				e.opts.Metrics.RecordConflicts(result.ConflictsResolved)
			}
			logger.InfoContext(ctx, "sync pass completed",
				slog.Int("pushed", result.Pushed),
				slog.Int("pulled", result.Pulled),
				slog.Int("deleted", result.Deleted),
				slog.Int("conflicts_resolved", result.ConflictsResolved),
				slog.Int("deduplicated", result.Deduplicated),
				slog.Duration("duration", result.Duration),
			)
		} else {
			logger.LogError(ctx, result.Err, "sync pass failed",
				slog.Duration("duration", result.Duration),
			)
		}
		e.notifySubscribers(result)
	}()

	fail := func(state State, err error) *Result {
		result.State = StateFailed
		result.Err = err
		e.opts.Metrics.RecordSyncErrors(state.String(), string(syncErrors.CodeOf(err)))
		return result
	}

	// Zone provisioning happens once; the flag survives restarts and
	// resets only when the zone is deleted.
	e.transition(StateProvisioningZone)
	provisioned, err := e.zone.Provisioned(ctx)
	if err != nil {
		return fail(StateProvisioningZone, err)
	}
	if !provisioned {
		if err := e.remote.ProvisionZone(ctx); err != nil {
			return fail(StateProvisioningZone, syncErrors.NewTransportError(syncErrors.OpProvision, err))
		}
		if err := e.zone.SetProvisioned(ctx, true); err != nil {
			return fail(StateProvisioningZone, err)
		}
	}

	if err := e.push(ctx, logger, result); err != nil {
		return result
	}

	// Pull remote deltas until the feed is exhausted, accumulating
	// across pages; nothing is applied until the full batch is known.
	e.transition(StatePullingDeltas)
	cursorToken, err := e.cursors.Load(ctx)
	if err != nil {
		return fail(StatePullingDeltas, err)
	}
	var pulled []record.RemoteRecord
	var deletedIDs []string
	for {
		delta, err := e.remote.FetchDeltaSince(ctx, cursorToken)
		if err != nil {
			return fail(StatePullingDeltas, err)
		}
		pulled = append(pulled, delta.Records...)
		deletedIDs = append(deletedIDs, delta.DeletedRecordIDs...)
		cursorToken = delta.Cursor.Token
		if !delta.Cursor.MoreComing {
			break
		}
	}

	e.transition(StateApplyingDeltas)
	skipped, err := e.applyRecords(ctx, logger, pulled, deletedIDs)
	if err != nil {
		return fail(StateApplyingDeltas, err)
	}
	result.Pulled = len(pulled) - skipped
	result.Skipped += skipped
	result.Deleted = len(deletedIDs)

	// Only types that gained records can have gained duplicates.
	e.transition(StateDeduplicating)
	if e.dedup != nil && len(pulled) > 0 {
		types := touchedTypes(pulled)
		n, err := e.dedup.Run(ctx, e.store, types)
		if err != nil {
			return fail(StateDeduplicating, err)
		}
		result.Deduplicated = n
	}

	// The single most important ordering invariant: the cursor moves
	// only after the delta batch is durably applied. Persisting it
	// earlier could silently drop unapplied changes; never persisting
	// would reintroduce applied ones, which is merely wasteful.
	e.transition(StatePersistingCursor)
	if err := e.cursors.Save(ctx, cursorToken); err != nil {
		return fail(StatePersistingCursor, err)
	}

	result.State = StateIdle
	return result
}

// push sends the pending change log to the remote, resolving
// conflicts until the write is accepted, applies accepted records
// back locally and wipes the pushed entries.
func (e *Engine) push(ctx context.Context, logger *logging.Logger, result *Result) error {
	fail := func(state State, err error) error {
		result.State = StateFailed
		result.Err = err
		e.opts.Metrics.RecordSyncErrors(state.String(), string(syncErrors.CodeOf(err)))
		return err
	}

	e.transition(StatePushingChanges)
	entries, err := e.log.Pending(ctx)
	if err != nil {
		return fail(StatePushingChanges, err)
	}

	toSave, toDelete, pushedIDs, orphans, skipped, err := e.buildPushSet(ctx, logger, entries)
	if err != nil {
		return fail(StatePushingChanges, err)
	}
	result.Skipped += skipped

	if len(toSave) == 0 && len(toDelete) == 0 {
		if len(orphans) > 0 {
			if err := e.log.Wipe(ctx, orphans); err != nil {
				return fail(StatePushingChanges, err)
			}
		}
		return nil
	}

	var accepted []record.RemoteRecord
	rounds := 0
	for {
		res, err := e.remote.WriteRecords(ctx, toSave, toDelete)
		if err != nil {
			return fail(StatePushingChanges, err)
		}
		if len(res.Conflicts) == 0 {
			accepted = res.Saved
			break
		}

		// Per-record conflicts are expected and resolved locally;
		// they never surface as pass failures.
		e.transition(StateResolvingConflicts)
		rounds++
		if rounds > e.opts.MaxResolveRounds {
			return fail(StateResolvingConflicts, syncErrors.NewTransportError(syncErrors.OpResolve,
				fmt.Errorf("conflicts still reported after %d resolve rounds", e.opts.MaxResolveRounds)))
		}
		for _, c := range res.Conflicts {
			if c.Client == nil || !containsRecord(toSave, c.Client.RecordID) {
				// Conflict on a delete: the record changed remotely
				// after the local delete was staged. Resubmitting the
				// same delete would conflict forever, so it is dropped
				// and the server copy comes back on the pull.
				toDelete = removeID(toDelete, conflictRecordID(c))
				result.ConflictsResolved++
				continue
			}
			resolved, err := e.resolver.Resolve(c.Server, c.Client, c.Ancestor)
			if err != nil {
				return fail(StateResolvingConflicts, err)
			}
			replaceRecord(toSave, resolved)
			result.ConflictsResolved++
		}
		logger.DebugContext(ctx, "resubmitting after conflict resolution",
			slog.Int("round", rounds),
			slog.Int("conflicts", len(res.Conflicts)),
		)
		e.transition(StatePushingChanges)
	}

	// Accepted records come back with fresh server change tags; they
	// must land on the local entities or every future push conflicts.
	e.transition(StateApplyingResolutions)
	applySkipped, err := e.applyRecords(ctx, logger, accepted, nil)
	if err != nil {
		return fail(StateApplyingResolutions, err)
	}
	result.Skipped += applySkipped

	// The write is confirmed: the log entries for pushed records are
	// no longer pending. Wiping earlier would lose changes on a
	// transport failure.
	if err := e.log.Wipe(ctx, append(pushedIDs, orphans...)); err != nil {
		return fail(StateApplyingResolutions, err)
	}
	result.Pushed = len(pushedIDs)

	return nil
}

// buildPushSet maps pending change log entries to the remote write
// set. Entries whose entity cannot be mapped are skipped; entries
// whose entity has vanished without a delete entry are orphans and
// are wiped without being pushed.
func (e *Engine) buildPushSet(ctx context.Context, logger *logging.Logger, entries []changelog.Entry) (toSave []record.RemoteRecord, toDelete []string, pushedIDs, orphans []string, skipped int, err error) {
	if len(entries) == 0 {
		return nil, nil, nil, nil, 0, nil
	}

	tx, err := e.store.BeginSync(ctx)
	if err != nil {
		return nil, nil, nil, nil, 0, err
	}
	defer tx.Rollback()

	for _, entry := range entries {
		if entry.Kind == changelog.KindDelete {
			toDelete = append(toDelete, entry.RecordID)
			pushedIDs = append(pushedIDs, entry.RecordID)
			continue
		}

		ent, err := tx.Get(ctx, entry.TypeName, entry.RecordID)
		if err != nil {
			return nil, nil, nil, nil, 0, err
		}
		if ent == nil {
			orphans = append(orphans, entry.RecordID)
			continue
		}

		rec, err := e.mapper.ToRemote(ent)
		if err != nil {
			if syncErrors.IsMapping(err) {
				logger.LogError(ctx, err, "skipping unmappable entity",
					slog.String("type", entry.TypeName),
					slog.String("record_id", entry.RecordID),
				)
				skipped++
				continue
			}
			return nil, nil, nil, nil, 0, err
		}

		toSave = append(toSave, *rec)
		pushedIDs = append(pushedIDs, entry.RecordID)
	}

	return toSave, toDelete, pushedIDs, orphans, skipped, nil
}

// applyRecords upserts a batch of remote records in the engine's
// private view and deletes entities matching deleted record IDs. Two
// sub-phases: scalar fields for every record first, then reference
// resolution, so forward references within the batch resolve.
// Returns the number of records skipped for mapping failures.
func (e *Engine) applyRecords(ctx context.Context, logger *logging.Logger, records []record.RemoteRecord, deletedIDs []string) (int, error) {
	if len(records) == 0 && len(deletedIDs) == 0 {
		return 0, nil
	}

	tx, err := e.store.BeginSync(ctx)
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpApply, err)
	}
	defer tx.Rollback()

	type pending struct {
		entity   *record.Entity
		deferred map[string]record.Reference
	}
	var deferredRefs []pending
	skipped := 0

	for i := range records {
		rec := &records[i]
		ent, err := tx.Get(ctx, rec.TypeName, rec.RecordID)
		if err != nil {
			return skipped, syncErrors.NewStorageError(syncErrors.OpApply, err)
		}
		if ent == nil {
			ent = &record.Entity{TypeName: rec.TypeName, RecordID: rec.RecordID, Fields: make(map[string]any)}
		}

		deferred, err := e.mapper.FromRemote(rec, ent)
		if err != nil {
			if syncErrors.IsMapping(err) {
				logger.LogError(ctx, err, "skipping unmappable record",
					slog.String("type", rec.TypeName),
					slog.String("record_id", rec.RecordID),
				)
				skipped++
				continue
			}
			return skipped, err
		}

		if err := tx.Upsert(ctx, ent); err != nil {
			return skipped, syncErrors.NewStorageError(syncErrors.OpApply, err)
		}
		if len(deferred) > 0 {
			deferredRefs = append(deferredRefs, pending{entity: ent, deferred: deferred})
		}
	}

	for _, p := range deferredRefs {
		changed := false
		for name, ref := range p.deferred {
			target, err := tx.Get(ctx, ref.TypeName, ref.RecordID)
			if err != nil {
				return skipped, syncErrors.NewStorageError(syncErrors.OpApply, err)
			}
			if target == nil {
				// Target is in neither the batch nor the local store:
				// leave the field unset. It resolves on a later pass
				// once the target record arrives.
				logger.DebugContext(ctx, "skipping unresolved reference",
					slog.String("type", p.entity.TypeName),
					slog.String("record_id", p.entity.RecordID),
					slog.String("field", name),
				)
				continue
			}
			p.entity.Fields[name] = ref.RecordID
			changed = true
		}
		if changed {
			if err := tx.Upsert(ctx, p.entity); err != nil {
				return skipped, syncErrors.NewStorageError(syncErrors.OpApply, err)
			}
		}
	}

	if len(deletedIDs) > 0 {
		// A deleted record ID arrives without its type, so every
		// known type is tried. O(types × deletes); fine for small
		// schemas, a known design limit beyond that.
		types, err := e.store.EntityTypes(ctx)
		if err != nil {
			return skipped, syncErrors.NewStorageError(syncErrors.OpApply, err)
		}
		for _, id := range deletedIDs {
			for _, typeName := range types {
				if _, err := tx.DeleteByRecordID(ctx, typeName, id); err != nil {
					return skipped, syncErrors.NewStorageError(syncErrors.OpApply, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return skipped, syncErrors.NewStorageError(syncErrors.OpApply, err)
	}
	return skipped, nil
}

func containsRecord(set []record.RemoteRecord, recordID string) bool {
	for i := range set {
		if set[i].RecordID == recordID {
			return true
		}
	}
	return false
}

func conflictRecordID(c transport.Conflict) string {
	if c.Client != nil {
		return c.Client.RecordID
	}
	if c.Server != nil {
		return c.Server.RecordID
	}
	return ""
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func replaceRecord(set []record.RemoteRecord, resolved *record.RemoteRecord) {
	for i := range set {
		if set[i].RecordID == resolved.RecordID {
			set[i] = *resolved
			return
		}
	}
}

func touchedTypes(records []record.RemoteRecord) []string {
	seen := make(map[string]struct{})
	var types []string
	for i := range records {
		if _, ok := seen[records[i].TypeName]; !ok {
			seen[records[i].TypeName] = struct{}{}
			types = append(types, records[i].TypeName)
		}
	}
	return types
}
