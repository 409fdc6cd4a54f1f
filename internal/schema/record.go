package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the storage form for timestamps in both the local and
// remote databases.
//
// Timestamps are compared as TEXT in SQL (the pull window's
// updated_at >= cursor, the outbox's backoff and retention cutoffs), so
// the stored strings must sort in time order. RFC3339Nano does not: it
// drops trailing fractional zeros, making the strings variable-width
// ("...05.12Z" sorts after "...05.123Z"). This layout pads to full
// nanosecond width so lexicographic order equals time order at any
// input precision. Reads still parse with time.RFC3339Nano, which
// accepts any fraction width.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is the generic shape of a synced entity.
//
// ID is stable across the local and remote copies of the record.
// UpdatedAt orders concurrent edits for conflict resolution and must be
// UTC. DeletedAt, when set, marks the record as a tombstone: the record
// is logically deleted but the row is retained so the deletion can be
// merged like any other update.
//
// Fields holds the domain payload keyed by local (lowerCamel) field
// names. The engine never interprets payload fields except for
// "sections" on sectioned collections.
type Record struct {
	ID        string         `json:"id"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Validate checks the structural invariants the engine relies on.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// IsTombstone reports whether the record is logically deleted.
func (r *Record) IsTombstone() bool {
	return r.DeletedAt != nil
}

// Clone returns a deep copy of the record.
//
// Conflict resolution only ever compares two fully formed snapshots, so
// merged results are built on copies rather than mutating either input.
func (r *Record) Clone() *Record {
	out := &Record{
		ID:        r.ID,
		UpdatedAt: r.UpdatedAt,
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		out.DeletedAt = &t
	}
	if r.Fields != nil {
		out.Fields = cloneFields(r.Fields)
	}
	return out
}

// Sections returns the record's section map for sectioned collections.
//
// The payload may have passed through JSON, so values are accepted as
// either string or any and normalized to strings. A record without a
// sections field yields an empty map.
func (r *Record) Sections() map[string]string {
	out := make(map[string]string)
	raw, ok := r.Fields["sections"]
	if !ok {
		return out
	}
	switch m := raw.(type) {
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	case map[string]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

// SetSections replaces the record's section map and rebuilds the derived
// fullText field by concatenating non-empty sections in the given order.
func (r *Record) SetSections(sections map[string]string, order []string) {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields["sections"] = sections
	r.Fields["fullText"] = JoinSections(sections, order)
}

// JoinSections concatenates non-empty sections in the fixed order,
// separated by blank lines. Section keys missing from the order are
// ignored so the derived text is deterministic.
func JoinSections(sections map[string]string, order []string) string {
	var parts []string
	for _, key := range order {
		if text := sections[key]; text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// EncodeFields serializes the payload fields to JSON for storage.
func (r *Record) EncodeFields() (string, error) {
	if r.Fields == nil {
		return "{}", nil
	}
	data, err := json.Marshal(r.Fields)
	if err != nil {
		return "", fmt.Errorf("failed to marshal fields: %w", err)
	}
	return string(data), nil
}

// DecodeFields parses a JSON payload produced by EncodeFields.
func DecodeFields(data string) (map[string]any, error) {
	if data == "" {
		return map[string]any{}, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	return fields, nil
}

// cloneFields deep-copies a payload map through JSON-compatible types.
func cloneFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case map[string]any:
			out[k] = cloneFields(val)
		case map[string]string:
			m := make(map[string]string, len(val))
			for sk, sv := range val {
				m[sk] = sv
			}
			out[k] = m
		case []any:
			s := make([]any, len(val))
			copy(s, val)
			out[k] = s
		case []string:
			s := make([]string, len(val))
			copy(s, val)
			out[k] = s
		default:
			out[k] = v
		}
	}
	return out
}
