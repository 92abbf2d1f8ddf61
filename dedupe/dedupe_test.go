package dedupe

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonekit/zonekit/localstore"
	"github.com/zonekit/zonekit/record"
)

// memStore is a minimal in-memory localstore.Store for sweep tests.
// Transactions write through immediately; Commit and Rollback are
// no-ops.
type memStore struct {
	entities map[string]map[string]record.Entity
}

func newMemStore() *memStore {
	return &memStore{entities: make(map[string]map[string]record.Entity)}
}

func (s *memStore) add(e record.Entity) {
	if s.entities[e.TypeName] == nil {
		s.entities[e.TypeName] = make(map[string]record.Entity)
	}
	s.entities[e.TypeName][e.RecordID] = e
}

func (s *memStore) Begin(ctx context.Context) (localstore.Tx, error)     { return &memTx{s: s}, nil }
func (s *memStore) BeginSync(ctx context.Context) (localstore.Tx, error) { return &memTx{s: s}, nil }

func (s *memStore) EntityTypes(ctx context.Context) ([]string, error) {
	names := make([]string, 0, len(s.entities))
	for name := range s.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

type memTx struct {
	s *memStore
}

func (t *memTx) Get(ctx context.Context, typeName, recordID string) (*record.Entity, error) {
	e, ok := t.s.entities[typeName][recordID]
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

func (t *memTx) ListByType(ctx context.Context, typeName string) ([]record.Entity, error) {
	out := make([]record.Entity, 0, len(t.s.entities[typeName]))
	for _, e := range t.s.entities[typeName] {
		out = append(out, *e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out, nil
}

func (t *memTx) Upsert(ctx context.Context, e *record.Entity) error {
	if e.RecordID == "" {
		e.RecordID = record.MintRecordID()
	}
	t.s.add(*e.Clone())
	return nil
}

func (t *memTx) DeleteByRecordID(ctx context.Context, typeName, recordID string) (bool, error) {
	if _, ok := t.s.entities[typeName][recordID]; !ok {
		return false, nil
	}
	delete(t.s.entities[typeName], recordID)
	return true, nil
}

func (t *memTx) Commit() error   { return nil }
func (t *memTx) Rollback() error { return nil }

func contactAttrs(typeName string) []string {
	if typeName == "Contact" {
		return []string{"email"}
	}
	return nil
}

func contact(id, email string, modifiedAt time.Time) record.Entity {
	return record.Entity{
		TypeName:   "Contact",
		RecordID:   id,
		ModifiedAt: modifiedAt,
		Fields:     map[string]any{"email": email},
	}
}

func TestNewRequiresBothFunctions(t *testing.T) {
	_, err := New(Options{}, nil)
	assert.Error(t, err)

	_, err = New(Options{UniqueAttributes: contactAttrs}, nil)
	assert.Error(t, err)

	_, err = New(Options{UniqueAttributes: contactAttrs, Selector: KeepNewest}, nil)
	assert.NoError(t, err)
}

func TestRunRemovesDuplicates(t *testing.T) {
	store := newMemStore()
	base := time.Now()
	store.add(contact("a", "ada@example.com", base))
	store.add(contact("b", "ada@example.com", base.Add(time.Hour)))
	store.add(contact("c", "ada@example.com", base.Add(time.Minute)))
	store.add(contact("d", "grace@example.com", base))

	d, err := New(Options{UniqueAttributes: contactAttrs, Selector: KeepNewest}, nil)
	require.NoError(t, err)

	removed, err := d.Run(context.Background(), store, []string{"Contact"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	// The newest duplicate and the unrelated contact survive.
	remaining, err := (&memTx{s: store}).ListByType(context.Background(), "Contact")
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, "b", remaining[0].RecordID)
	assert.Equal(t, "d", remaining[1].RecordID)
}

func TestRunSkipsEntitiesMissingIdentityFields(t *testing.T) {
	store := newMemStore()
	store.add(record.Entity{TypeName: "Contact", RecordID: "a", Fields: map[string]any{"name": "Ada"}})
	store.add(record.Entity{TypeName: "Contact", RecordID: "b", Fields: map[string]any{"name": "Ada"}})

	d, err := New(Options{UniqueAttributes: contactAttrs, Selector: KeepNewest}, nil)
	require.NoError(t, err)

	removed, err := d.Run(context.Background(), store, []string{"Contact"})
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRunSkipsTypesWithoutIdentity(t *testing.T) {
	store := newMemStore()
	store.add(record.Entity{TypeName: "Note", RecordID: "a", Fields: map[string]any{"body": "x"}})
	store.add(record.Entity{TypeName: "Note", RecordID: "b", Fields: map[string]any{"body": "x"}})

	d, err := New(Options{UniqueAttributes: contactAttrs, Selector: KeepNewest}, nil)
	require.NoError(t, err)

	removed, err := d.Run(context.Background(), store, []string{"Note"})
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRunIgnoresNonMemberSelection(t *testing.T) {
	store := newMemStore()
	store.add(contact("a", "ada@example.com", time.Now()))
	store.add(contact("b", "ada@example.com", time.Now()))

	outsider := contact("z", "ada@example.com", time.Now())
	d, err := New(Options{
		UniqueAttributes: contactAttrs,
		Selector: func(group []record.Entity) *record.Entity {
			return &outsider
		},
	}, nil)
	require.NoError(t, err)

	removed, err := d.Run(context.Background(), store, []string{"Contact"})
	require.NoError(t, err)
	assert.Zero(t, removed)

	remaining, err := (&memTx{s: store}).ListByType(context.Background(), "Contact")
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

func TestKeepNewest(t *testing.T) {
	base := time.Now()
	group := []record.Entity{
		contact("a", "x", base),
		contact("b", "x", base.Add(time.Hour)),
		contact("c", "x", base.Add(time.Minute)),
	}
	keep := KeepNewest(group)
	require.NotNil(t, keep)
	assert.Equal(t, "b", keep.RecordID)

	assert.Nil(t, KeepNewest(nil))
}
