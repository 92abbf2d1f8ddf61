// Package memory provides an in-process Remote backed by a single
// in-memory zone. It implements the same semantics as the HTTP
// reference server and is the transport used by the engine's tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/zonekit/zonekit/cursor"
	syncErrors "github.com/zonekit/zonekit/errors"
	"github.com/zonekit/zonekit/record"
	"github.com/zonekit/zonekit/transport"
)

const defaultPageSize = 100

// Zone is one remote zone: a record set plus an append-only change
// feed whose sequence numbers serve as pagination tokens.
type Zone struct {
	mu          sync.Mutex
	provisioned bool
	records     map[string]record.RemoteRecord
	feed        []feedEntry
	seq         uint64
	tagSeq      uint64
	pageSize    int
}

type feedEntry struct {
	seq      uint64
	recordID string
	deleted  bool
}

// NewZone creates an unprovisioned zone.
func NewZone() *Zone {
	return &Zone{
		records:  make(map[string]record.RemoteRecord),
		pageSize: defaultPageSize,
	}
}

// SetPageSize overrides the delta page size. Useful in tests that
// exercise pagination.
func (z *Zone) SetPageSize(n int) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if n > 0 {
		z.pageSize = n
	}
}

var _ transport.Remote = (*Zone)(nil)

// ProvisionZone marks the zone usable. Idempotent.
func (z *Zone) ProvisionZone(ctx context.Context) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.provisioned = true
	return nil
}

// DeprovisionZone deletes the zone and all records in it.
func (z *Zone) DeprovisionZone(ctx context.Context) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.provisioned = false
	z.records = make(map[string]record.RemoteRecord)
	z.feed = nil
	z.seq = 0
	z.tagSeq = 0
	return nil
}

// WriteRecords applies saves and deletes atomically. A change-tag
// mismatch on any record rejects the whole batch: nothing is applied
// and every mismatch is reported as a conflict.
func (z *Zone) WriteRecords(ctx context.Context, toSave []record.RemoteRecord, toDelete []string) (*transport.WriteResult, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if !z.provisioned {
		return nil, syncErrors.NewTransportError(syncErrors.OpPush,
			fmt.Errorf("zone not provisioned"))
	}

	var conflicts []transport.Conflict
	for i := range toSave {
		client := toSave[i]
		existing, ok := z.records[client.RecordID]
		if ok && existing.ChangeTag != client.ChangeTag {
			conflicts = append(conflicts, transport.Conflict{
				Server: existing.Clone(),
				Client: client.Clone(),
			})
		}
	}
	if len(conflicts) > 0 {
		return &transport.WriteResult{Conflicts: conflicts}, nil
	}

	result := &transport.WriteResult{}
	for i := range toSave {
		saved := *toSave[i].Clone()
		z.tagSeq++
		saved.ChangeTag = "tag-" + strconv.FormatUint(z.tagSeq, 10)
		z.records[saved.RecordID] = saved
		z.appendFeed(saved.RecordID, false)
		result.Saved = append(result.Saved, *saved.Clone())
	}
	for _, id := range toDelete {
		if _, ok := z.records[id]; !ok {
			continue // delete of an unknown record is a no-op
		}
		delete(z.records, id)
		z.appendFeed(id, true)
	}

	return result, nil
}

// FetchDeltaSince returns the change page after the given token. The
// returned token always identifies the last entry included, or echoes
// the input when the feed has nothing new.
func (z *Zone) FetchDeltaSince(ctx context.Context, token []byte) (*transport.Delta, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if !z.provisioned {
		return nil, syncErrors.NewTransportError(syncErrors.OpPull,
			fmt.Errorf("zone not provisioned"))
	}

	since, err := parseToken(token)
	if err != nil {
		return nil, syncErrors.NewTransportError(syncErrors.OpPull, err)
	}

	// Coalesce the feed past the token: only the latest state of each
	// record matters to the puller.
	latest := make(map[string]feedEntry)
	for _, fe := range z.feed {
		if fe.seq > since {
			latest[fe.recordID] = fe
		}
	}
	entries := make([]feedEntry, 0, len(latest))
	for _, fe := range latest {
		entries = append(entries, fe)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	delta := &transport.Delta{}
	last := since
	count := 0
	for _, fe := range entries {
		if count == z.pageSize {
			delta.Cursor = cursor.SyncCursor{MoreComing: true, Token: formatToken(last)}
			return delta, nil
		}
		if fe.deleted {
			delta.DeletedRecordIDs = append(delta.DeletedRecordIDs, fe.recordID)
		} else {
			rec := z.records[fe.recordID]
			delta.Records = append(delta.Records, *rec.Clone())
		}
		last = fe.seq
		count++
	}

	delta.Cursor = cursor.SyncCursor{MoreComing: false, Token: formatToken(last)}
	return delta, nil
}

// Seed installs a record as if another client had written it,
// returning the assigned change tag. Test and demo helper.
func (z *Zone) Seed(rec record.RemoteRecord) string {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.tagSeq++
	rec.ChangeTag = "tag-" + strconv.FormatUint(z.tagSeq, 10)
	z.records[rec.RecordID] = *rec.Clone()
	z.appendFeed(rec.RecordID, false)
	return rec.ChangeTag
}

// Record returns the zone's current copy of a record, if present.
func (z *Zone) Record(recordID string) (*record.RemoteRecord, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	rec, ok := z.records[recordID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (z *Zone) appendFeed(recordID string, deleted bool) {
	z.seq++
	z.feed = append(z.feed, feedEntry{seq: z.seq, recordID: recordID, deleted: deleted})
}

func parseToken(token []byte) (uint64, error) {
	if len(token) == 0 {
		return 0, nil
	}
	since, err := strconv.ParseUint(string(token), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed cursor token %q: %w", token, err)
	}
	return since, nil
}

func formatToken(seq uint64) []byte {
	return []byte(strconv.FormatUint(seq, 10))
}
