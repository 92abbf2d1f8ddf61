// Package record defines the data model shared by the sync engine:
// local entities, remote records, references and the system metadata
// blob round-tripped between the two stores.
package record

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ref identifies an entity by type and record ID.
type Ref struct {
	TypeName string
	RecordID string
}

// Entity is a local record. Fields holds scalar values keyed by field
// name; reference fields hold the target entity's RecordID as a string.
// SystemMetadata is opaque remote-store bookkeeping and is nil until
// the entity has round-tripped through the remote at least once.
type Entity struct {
	TypeName       string
	RecordID       string
	ModifiedAt     time.Time
	SystemMetadata []byte
	Fields         map[string]any
}

// Ref returns the entity's identity pair.
func (e *Entity) Ref() Ref {
	return Ref{TypeName: e.TypeName, RecordID: e.RecordID}
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	out := &Entity{
		TypeName:   e.TypeName,
		RecordID:   e.RecordID,
		ModifiedAt: e.ModifiedAt,
		Fields:     make(map[string]any, len(e.Fields)),
	}
	if e.SystemMetadata != nil {
		out.SystemMetadata = append([]byte(nil), e.SystemMetadata...)
	}
	for k, v := range e.Fields {
		out.Fields[k] = v
	}
	return out
}

// Reference is a resolved one-to-one relationship on a remote record.
// Cascade indicates that deleting the referenced record deletes the
// record holding the reference.
type Reference struct {
	TypeName string `json:"type_name"`
	RecordID string `json:"record_id"`
	Cascade  bool   `json:"cascade"`
}

// RemoteRecord is the remote-store representation of an entity.
// ChangeTag is the server-issued version tag used for conflict
// detection; it is empty for records the remote has never seen.
type RemoteRecord struct {
	TypeName   string
	RecordID   string
	ChangeTag  string
	ModifiedAt time.Time
	Fields     map[string]any
	References map[string]Reference
}

// Clone returns a deep copy of the record.
func (r *RemoteRecord) Clone() *RemoteRecord {
	out := &RemoteRecord{
		TypeName:   r.TypeName,
		RecordID:   r.RecordID,
		ChangeTag:  r.ChangeTag,
		ModifiedAt: r.ModifiedAt,
		Fields:     make(map[string]any, len(r.Fields)),
		References: make(map[string]Reference, len(r.References)),
	}
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	for k, v := range r.References {
		out.References[k] = v
	}
	return out
}

// SystemFields is the decoded form of an entity's SystemMetadata blob.
type SystemFields struct {
	TypeName  string `json:"type_name"`
	RecordID  string `json:"record_id"`
	ChangeTag string `json:"change_tag"`
}

// EncodeSystemFields serializes system fields into the opaque blob
// stored on an entity.
func EncodeSystemFields(sf SystemFields) ([]byte, error) {
	data, err := json.Marshal(sf)
	if err != nil {
		return nil, fmt.Errorf("encode system fields: %w", err)
	}
	return data, nil
}

// DecodeSystemFields parses an entity's SystemMetadata blob. Returns
// an error for blobs this version does not understand.
func DecodeSystemFields(blob []byte) (SystemFields, error) {
	var sf SystemFields
	if err := json.Unmarshal(blob, &sf); err != nil {
		return SystemFields{}, fmt.Errorf("decode system fields: %w", err)
	}
	return sf, nil
}

// MintRecordID generates a new globally-unique record ID. Called
// exactly once per entity, at its first local commit.
func MintRecordID() string {
	return uuid.NewString()
}
