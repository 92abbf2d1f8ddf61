package http

import (
	"time"

	"github.com/zonekit/zonekit/cursor"
	"github.com/zonekit/zonekit/record"
)

// JSONReference is a JSON-serializable representation of a Reference.
type JSONReference struct {
	TypeName string `json:"type_name"`
	RecordID string `json:"record_id"`
	Cascade  bool   `json:"cascade"`
}

// JSONRecord is a JSON-serializable representation of a RemoteRecord.
type JSONRecord struct {
	TypeName   string                   `json:"type_name"`
	RecordID   string                   `json:"record_id"`
	ChangeTag  string                   `json:"change_tag,omitempty"`
	ModifiedAt time.Time                `json:"modified_at"`
	Fields     map[string]any           `json:"fields,omitempty"`
	References map[string]JSONReference `json:"references,omitempty"`
}

// JSONConflict is the wire form of a per-record conflict.
type JSONConflict struct {
	Server   *JSONRecord `json:"server"`
	Client   *JSONRecord `json:"client"`
	Ancestor *JSONRecord `json:"ancestor,omitempty"`
}

// WriteRequest is the body of a record write.
type WriteRequest struct {
	ToSave   []JSONRecord `json:"to_save"`
	ToDelete []string     `json:"to_delete"`
}

// WriteResponse is the outcome of a record write.
type WriteResponse struct {
	Saved     []JSONRecord   `json:"saved"`
	Conflicts []JSONConflict `json:"conflicts,omitempty"`
}

// DeltaRequest asks for the change page after a cursor.
type DeltaRequest struct {
	Cursor *cursor.WireCursor `json:"cursor,omitempty"`
}

// DeltaResponse is one page of remote changes.
type DeltaResponse struct {
	Records          []JSONRecord      `json:"records"`
	DeletedRecordIDs []string          `json:"deleted_record_ids"`
	MoreComing       bool              `json:"more_coming"`
	Cursor           cursor.WireCursor `json:"cursor"`
}

func toJSONRecord(rec *record.RemoteRecord) *JSONRecord {
	if rec == nil {
		return nil
	}
	out := &JSONRecord{
		TypeName:   rec.TypeName,
		RecordID:   rec.RecordID,
		ChangeTag:  rec.ChangeTag,
		ModifiedAt: rec.ModifiedAt,
		Fields:     rec.Fields,
		References: make(map[string]JSONReference, len(rec.References)),
	}
	for name, ref := range rec.References {
		out.References[name] = JSONReference{
			TypeName: ref.TypeName,
			RecordID: ref.RecordID,
			Cascade:  ref.Cascade,
		}
	}
	return out
}

func fromJSONRecord(jr *JSONRecord) *record.RemoteRecord {
	if jr == nil {
		return nil
	}
	out := &record.RemoteRecord{
		TypeName:   jr.TypeName,
		RecordID:   jr.RecordID,
		ChangeTag:  jr.ChangeTag,
		ModifiedAt: jr.ModifiedAt,
		Fields:     jr.Fields,
		References: make(map[string]record.Reference, len(jr.References)),
	}
	if out.Fields == nil {
		out.Fields = make(map[string]any)
	}
	for name, ref := range jr.References {
		out.References[name] = record.Reference{
			TypeName: ref.TypeName,
			RecordID: ref.RecordID,
			Cascade:  ref.Cascade,
		}
	}
	return out
}
