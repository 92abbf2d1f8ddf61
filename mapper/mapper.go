// Package mapper converts between local entities and remote records.
// Field enumeration is driven entirely by the configured schema; the
// mapper never inspects entity shapes dynamically.
package mapper

import (
	"fmt"

	syncErrors "github.com/zonekit/zonekit/errors"
	"github.com/zonekit/zonekit/record"
)

// Deferred maps a reference field name to its destination, returned
// by FromRemote so the caller can resolve references after every
// record in the batch has been upserted. Forward references within a
// batch resolve correctly that way.
type Deferred map[string]record.Reference

// Mapper converts entities to remote records and back.
type Mapper struct {
	schema *record.Schema
}

// New creates a mapper over the configured schema.
func New(schema *record.Schema) *Mapper {
	return &Mapper{schema: schema}
}

// ToRemote builds the remote record for an entity. When the entity
// carries SystemMetadata from a prior round-trip, the remote identity
// and change tag are reused so the remote store can detect conflicts;
// otherwise a fresh record is minted from the entity's type and
// record ID.
func (m *Mapper) ToRemote(e *record.Entity) (*record.RemoteRecord, error) {
	td, ok := m.schema.Type(e.TypeName)
	if !ok {
		return nil, syncErrors.NewMappingError(syncErrors.OpMap,
			fmt.Errorf("entity type %q not in schema", e.TypeName))
	}

	rec := &record.RemoteRecord{
		TypeName:   e.TypeName,
		RecordID:   e.RecordID,
		ModifiedAt: e.ModifiedAt,
		Fields:     make(map[string]any),
		References: make(map[string]record.Reference),
	}

	if len(e.SystemMetadata) > 0 {
		sf, err := record.DecodeSystemFields(e.SystemMetadata)
		if err != nil {
			return nil, syncErrors.NewMappingError(syncErrors.OpMap,
				fmt.Errorf("entity %s/%s: %w", e.TypeName, e.RecordID, err))
		}
		rec.ChangeTag = sf.ChangeTag
	}

	for _, fd := range td.Fields {
		v, present := e.Fields[fd.Name]
		if !present || v == nil {
			continue
		}
		switch fd.Kind {
		case record.KindScalar:
			rec.Fields[fd.Name] = v
		case record.KindReference:
			target, ok := v.(string)
			if !ok {
				return nil, syncErrors.NewMappingError(syncErrors.OpMap,
					fmt.Errorf("entity %s/%s: reference field %q holds %T, want record ID string",
						e.TypeName, e.RecordID, fd.Name, v))
			}
			rec.References[fd.Name] = record.Reference{
				TypeName: fd.RefType,
				RecordID: target,
				Cascade:  fd.Cascade,
			}
		}
	}

	return rec, nil
}

// FromRemote applies a remote record's scalar fields onto the entity
// and returns the reference fields for deferred resolution. The
// record's system fields are always re-encoded onto the entity for
// future round-trips.
func (m *Mapper) FromRemote(rec *record.RemoteRecord, e *record.Entity) (Deferred, error) {
	td, ok := m.schema.Type(rec.TypeName)
	if !ok {
		return nil, syncErrors.NewMappingError(syncErrors.OpMap,
			fmt.Errorf("record type %q not in schema", rec.TypeName))
	}
	if e.TypeName != "" && e.TypeName != rec.TypeName {
		return nil, syncErrors.NewMappingError(syncErrors.OpMap,
			fmt.Errorf("record %s/%s applied to entity of type %q", rec.TypeName, rec.RecordID, e.TypeName))
	}

	e.TypeName = rec.TypeName
	e.RecordID = rec.RecordID
	e.ModifiedAt = rec.ModifiedAt
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}

	deferred := make(Deferred)
	for _, fd := range td.Fields {
		switch fd.Kind {
		case record.KindScalar:
			if v, present := rec.Fields[fd.Name]; present {
				e.Fields[fd.Name] = v
			}
		case record.KindReference:
			ref, present := rec.References[fd.Name]
			if !present {
				continue
			}
			if ref.TypeName != fd.RefType {
				return nil, syncErrors.NewMappingError(syncErrors.OpMap,
					fmt.Errorf("record %s/%s: reference field %q targets %q, schema expects %q",
						rec.TypeName, rec.RecordID, fd.Name, ref.TypeName, fd.RefType))
			}
			deferred[fd.Name] = ref
		}
	}

	blob, err := record.EncodeSystemFields(record.SystemFields{
		TypeName:  rec.TypeName,
		RecordID:  rec.RecordID,
		ChangeTag: rec.ChangeTag,
	})
	if err != nil {
		return nil, syncErrors.NewMappingError(syncErrors.OpMap, err)
	}
	e.SystemMetadata = blob

	return deferred, nil
}
