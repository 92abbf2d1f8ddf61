package changelog

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonekit/zonekit/record"
)

func kindPtr(k Kind) *Kind { return &k }

func TestReduce(t *testing.T) {
	tests := []struct {
		name     string
		existing *Kind
		incoming Kind
		want     Kind
		keep     bool
	}{
		{"insert over none", nil, KindInsert, KindInsert, true},
		{"update over none", nil, KindUpdate, KindUpdate, true},
		{"delete over none", nil, KindDelete, KindDelete, true},
		{"update over insert stays insert", kindPtr(KindInsert), KindUpdate, KindInsert, true},
		{"update over update", kindPtr(KindUpdate), KindUpdate, KindUpdate, true},
		{"delete over insert cancels", kindPtr(KindInsert), KindDelete, "", false},
		{"delete over update", kindPtr(KindUpdate), KindDelete, KindDelete, true},
		{"insert over delete becomes update", kindPtr(KindDelete), KindInsert, KindUpdate, true},
		{"insert over update stays update", kindPtr(KindUpdate), KindInsert, KindUpdate, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, keep := Reduce(tt.existing, tt.incoming)
			assert.Equal(t, tt.keep, keep)
			if tt.keep {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

// fakeLog collects recorded changes for tracker tests.
type fakeLog struct {
	recorded [][]Change
	err      error
}

func (f *fakeLog) Record(ctx context.Context, changes []Change) error {
	if f.err != nil {
		return f.err
	}
	f.recorded = append(f.recorded, changes)
	return nil
}

func (f *fakeLog) Pending(ctx context.Context) ([]Entry, error) { return nil, nil }
func (f *fakeLog) Wipe(ctx context.Context, ids []string) error { return nil }
func (f *fakeLog) Clear(ctx context.Context) error              { return nil }

func TestTrackerHandleCommit(t *testing.T) {
	log := &fakeLog{}
	tracker := NewTracker(log, nil)

	ev := CommitEvent{
		Inserted: []record.Ref{{TypeName: "Contact", RecordID: "a"}},
		Updated:  []record.Ref{{TypeName: "Contact", RecordID: "b"}},
		Deleted:  []record.Ref{{TypeName: "Note", RecordID: "c"}},
	}
	require.NoError(t, tracker.HandleCommit(context.Background(), ev))

	require.Len(t, log.recorded, 1)
	changes := log.recorded[0]
	require.Len(t, changes, 3)
	assert.Contains(t, changes, Change{TypeName: "Contact", RecordID: "a", Kind: KindInsert})
	assert.Contains(t, changes, Change{TypeName: "Contact", RecordID: "b", Kind: KindUpdate})
	assert.Contains(t, changes, Change{TypeName: "Note", RecordID: "c", Kind: KindDelete})
}

func TestTrackerRunDrainsChannel(t *testing.T) {
	log := &fakeLog{}
	tracker := NewTracker(log, nil)

	events := make(chan CommitEvent, 3)
	events <- CommitEvent{Inserted: []record.Ref{{TypeName: "Contact", RecordID: "a"}}}
	events <- CommitEvent{} // empty events are dropped, not recorded
	events <- CommitEvent{Deleted: []record.Ref{{TypeName: "Contact", RecordID: "a"}}}
	close(events)

	err := tracker.Run(context.Background(), events)
	require.NoError(t, err)

	require.Len(t, log.recorded, 2)
	assert.Equal(t, KindInsert, log.recorded[0][0].Kind)
	assert.Equal(t, KindDelete, log.recorded[1][0].Kind)
}

func TestTrackerRunStopsOnCancel(t *testing.T) {
	tracker := NewTracker(&fakeLog{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tracker.Run(ctx, make(chan CommitEvent))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrackerRunPropagatesLogFailure(t *testing.T) {
	log := &fakeLog{err: fmt.Errorf("disk full")}
	tracker := NewTracker(log, nil)

	events := make(chan CommitEvent, 1)
	events <- CommitEvent{Inserted: []record.Ref{{TypeName: "Contact", RecordID: "a"}}}
	close(events)

	err := tracker.Run(context.Background(), events)
	assert.Error(t, err)
}

func TestTrackerSkipsEmptyCommit(t *testing.T) {
	log := &fakeLog{}
	tracker := NewTracker(log, nil)

	require.NoError(t, tracker.HandleCommit(context.Background(), CommitEvent{}))
	assert.Empty(t, log.recorded)
}
