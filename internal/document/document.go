// Package document defines the flat document — the unit of caching,
// diffing and wire transfer. A flat document is a map of schema field
// names to scalars plus reserved "_"-prefixed meta fields.
package document

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reserved field names.
const (
	FieldID           = "id"
	FieldInstanceType = "_instance_type"
	FieldTstamp       = "_tstamp"
	FieldOperation    = "_operation"
	FieldUserKey      = "_user_key"
	FieldDeleted      = "_deleted"
	FieldOptimistic   = "_optimistic"
	FieldGridRef      = "_grid_ref"
)

// Operation values carried in _operation.
const (
	OpInitialState    = "initial_state"
	OpCreate          = "create"
	OpUpdate          = "update"
	OpDelete          = "delete"
	OpEndInitialState = "end_initial_state"
)

// Document is one flat instance as stored in the cache and sent on the wire.
type Document map[string]any

// ID returns the canonical string form of the document's primary key.
func (d Document) ID() string { return KeyString(d[FieldID]) }

// InstanceType returns the fully-qualified schema type name.
func (d Document) InstanceType() string {
	s, _ := d[FieldInstanceType].(string)
	return s
}

// Tstamp returns the assignment timestamp in seconds (coordination clock).
func (d Document) Tstamp() float64 {
	switch v := d[FieldTstamp].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// Operation returns the _operation field, or "" when absent.
func (d Document) Operation() string {
	s, _ := d[FieldOperation].(string)
	return s
}

// UserKey returns the owner identifier, or "" for public documents.
func (d Document) UserKey() string {
	v, ok := d[FieldUserKey]
	if !ok || v == nil {
		return ""
	}
	return KeyString(v)
}

// Deleted reports whether the document carries _deleted=true.
func (d Document) Deleted() bool {
	b, _ := d[FieldDeleted].(bool)
	return b
}

// GridRef returns the opaque blob reference for spilled documents, or "".
func (d Document) GridRef() string {
	s, _ := d[FieldGridRef].(string)
	return s
}

// Clone returns a shallow copy.
func (d Document) Clone() Document {
	cp := make(Document, len(d))
	for k, v := range d {
		cp[k] = v
	}
	return cp
}

// Sentinel builds the end-of-initial-state marker that closes every
// snapshot stream. It carries the snapshot's tstamp.
func Sentinel(tstamp float64) Document {
	return Document{
		FieldInstanceType: "",
		FieldTstamp:       tstamp,
		FieldOperation:    OpEndInitialState,
		FieldID:           0,
	}
}

// Adapt normalizes non-native scalars so that encoding is canonical:
// timestamps become ISO-8601 strings with microsecond precision and a
// trailing Z, regardless of which layer produced the value.
func (d Document) Adapt() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = adaptValue(v)
	}
	return out
}

func adaptValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format("2006-01-02T15:04:05.000000") + "Z"
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = adaptValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = adaptValue(e)
		}
		return out
	default:
		return v
	}
}

// Encode serializes a document through the canonical encoder.
func Encode(d Document) ([]byte, error) {
	return json.Marshal(d.Adapt())
}

// EncodeBatch serializes a batch of documents as one JSON array.
func EncodeBatch(batch []Document) ([]byte, error) {
	adapted := make([]Document, len(batch))
	for i, d := range batch {
		adapted[i] = d.Adapt()
	}
	return json.Marshal(adapted)
}

// Decode parses one canonical-encoded document.
func Decode(data []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return d, nil
}

// KeyString renders a primary-key or user-key value in its canonical
// string form. JSON decoding turns integer ids into float64; those must
// not pick up a fractional suffix.
func KeyString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// IsMetaField reports whether a field name is reserved (id or _-prefixed).
func IsMetaField(name string) bool {
	return name == FieldID || strings.HasPrefix(name, "_")
}
