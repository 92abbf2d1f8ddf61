// Package dedupe removes duplicate local entities after a pull has
// been applied. Grouping rules come from the caller: a uniqueness
// function names the identity fields per type, and a selector picks
// the entity each duplicate group keeps.
package dedupe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	syncErrors "github.com/zonekit/zonekit/errors"
	"github.com/zonekit/zonekit/localstore"
	"github.com/zonekit/zonekit/logging"
	"github.com/zonekit/zonekit/record"
)

// UniqueAttributesFunc returns the ordered field names that define
// identity for a type. An empty slice means the type is skipped.
type UniqueAttributesFunc func(typeName string) []string

// SelectorFunc picks the entity to keep from a duplicate group. The
// returned entity must be a member of the group; returning nil or a
// non-member leaves the group untouched.
type SelectorFunc func(group []record.Entity) *record.Entity

// KeepNewest is a stock selector that keeps the most recently
// modified entity in a group.
func KeepNewest(group []record.Entity) *record.Entity {
	if len(group) == 0 {
		return nil
	}
	keep := &group[0]
	for i := 1; i < len(group); i++ {
		if group[i].ModifiedAt.After(keep.ModifiedAt) {
			keep = &group[i]
		}
	}
	return keep
}

// Options pairs the two caller-supplied rules.
type Options struct {
	UniqueAttributes UniqueAttributesFunc
	Selector         SelectorFunc
}

// Deduplicator runs the post-pull duplicate sweep.
type Deduplicator struct {
	opts   Options
	logger *logging.Logger
}

// New creates a deduplicator. Both functions are required.
func New(opts Options, logger *logging.Logger) (*Deduplicator, error) {
	if opts.UniqueAttributes == nil || opts.Selector == nil {
		return nil, syncErrors.NewConfigurationError(syncErrors.OpDedupe,
			fmt.Errorf("deduplication requires both a uniqueness function and a selector"))
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Deduplicator{opts: opts, logger: logger.WithComponent("dedupe")}, nil
}

// Run deduplicates the given entity types against committed state,
// committing once per processed type. It must only run after push and
// pull have both fully applied; it opens its own transactions, so
// uncommitted in-memory changes are never considered.
func (d *Deduplicator) Run(ctx context.Context, store localstore.Store, types []string) (int, error) {
	removed := 0
	for _, typeName := range types {
		attrs := d.opts.UniqueAttributes(typeName)
		if len(attrs) == 0 {
			continue
		}
		n, err := d.runType(ctx, store, typeName, attrs)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

func (d *Deduplicator) runType(ctx context.Context, store localstore.Store, typeName string, attrs []string) (int, error) {
	tx, err := store.BeginSync(ctx)
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpDedupe, err)
	}
	defer tx.Rollback()

	entities, err := tx.ListByType(ctx, typeName)
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpDedupe, err)
	}

	groups := make(map[string][]record.Entity)
	order := make([]string, 0)
	for _, e := range entities {
		key, ok := groupKey(e, attrs)
		if !ok {
			// Missing identity field: never deduplicated.
			continue
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	removed := 0
	for _, key := range order {
		group := groups[key]
		if len(group) < 2 {
			continue
		}

		keep := d.opts.Selector(group)
		if keep == nil || !member(group, keep.RecordID) {
			d.logger.DebugContext(ctx, "selector declined duplicate group",
				slog.String("type", typeName),
				slog.Int("size", len(group)),
			)
			continue
		}

		for _, e := range group {
			if e.RecordID == keep.RecordID {
				continue
			}
			if _, err := tx.DeleteByRecordID(ctx, typeName, e.RecordID); err != nil {
				return removed, syncErrors.NewStorageError(syncErrors.OpDedupe, err)
			}
			removed++
		}
	}

	if err := tx.Commit(); err != nil {
		return removed, syncErrors.NewStorageError(syncErrors.OpDedupe, err)
	}

	if removed > 0 {
		d.logger.InfoContext(ctx, "removed duplicate entities",
			slog.String("type", typeName),
			slog.Int("removed", removed),
		)
	}
	return removed, nil
}

// groupKey builds the identity key for an entity. ok is false when
// any identity field is absent.
func groupKey(e record.Entity, attrs []string) (string, bool) {
	var b strings.Builder
	for _, attr := range attrs {
		v, present := e.Fields[attr]
		if !present || v == nil {
			return "", false
		}
		fmt.Fprintf(&b, "%v\x1f", v)
	}
	return b.String(), true
}

func member(group []record.Entity, recordID string) bool {
	for _, e := range group {
		if e.RecordID == recordID {
			return true
		}
	}
	return false
}
