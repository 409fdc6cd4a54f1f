package schema

import (
	"fmt"
)

// Collection describes one synced entity collection.
//
// Name is the local lowerCamel collection name used by domain
// repositories ("journalEntries"). The remote table name is derived
// through the naming map ("journal_entries") and cached at registry
// construction time.
//
// LocalFields is the explicit allow-list of payload fields that belong
// to the local schema. When remote rows are converted back to local
// records, anything outside this list is dropped - remote-only columns
// (principal id, idempotency key) never leak into local payloads.
type Collection struct {
	Name         string
	Sectioned    bool
	SectionOrder []string
	LocalFields  []string

	remoteTable string
	names       *NameMap
}

// RemoteTable returns the remote table name for this collection.
func (c *Collection) RemoteTable() string {
	return c.remoteTable
}

// Names returns the collection's field name map.
func (c *Collection) Names() *NameMap {
	return c.names
}

// ToRemoteFields converts a local payload to remote column names.
// Fields outside the allow-list are not sent.
func (c *Collection) ToRemoteFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for local, v := range fields {
		remote, ok := c.names.Remote(local)
		if !ok {
			continue
		}
		out[remote] = v
	}
	return out
}

// FromRemoteFields converts remote columns to a local payload,
// applying the allow-list. Unknown remote columns are dropped.
func (c *Collection) FromRemoteFields(columns map[string]any) map[string]any {
	out := make(map[string]any, len(columns))
	for remote, v := range columns {
		local, ok := c.names.Local(remote)
		if !ok {
			continue
		}
		out[local] = v
	}
	return out
}

// Registry holds the ordered set of synced collections.
//
// Order matters for pull passes: tombstones for every collection are
// applied before any live record, and collections are always visited in
// registry order so behavior is deterministic.
type Registry struct {
	cols   []*Collection
	byName map[string]*Collection
}

// NewRegistry validates the collections and builds their naming maps.
func NewRegistry(cols ...*Collection) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]*Collection, len(cols)),
	}
	for _, col := range cols {
		if col.Name == "" {
			return nil, fmt.Errorf("collection name is required")
		}
		if _, exists := r.byName[col.Name]; exists {
			return nil, fmt.Errorf("duplicate collection %q", col.Name)
		}
		if col.Sectioned && len(col.SectionOrder) == 0 {
			return nil, fmt.Errorf("sectioned collection %q needs a section order", col.Name)
		}
		names, err := NewNameMap(col.LocalFields)
		if err != nil {
			return nil, fmt.Errorf("collection %q: %w", col.Name, err)
		}
		col.names = names
		col.remoteTable = RemoteName(col.Name)
		r.cols = append(r.cols, col)
		r.byName[col.Name] = col
	}
	return r, nil
}

// Default returns the built-in registry of synced collections.
//
// Journal entries are the one sectioned kind: each section is edited
// independently (often on different devices) and merges section by
// section. Everything else resolves whole-record last-writer-wins.
func Default() *Registry {
	r, err := NewRegistry(
		&Collection{
			Name: "tasks",
			LocalFields: []string{
				"title", "notes", "status", "priority", "dueAt", "completedAt",
			},
		},
		&Collection{
			Name:         "journalEntries",
			Sectioned:    true,
			SectionOrder: []string{"intention", "gratitude", "reflection", "notes"},
			LocalFields: []string{
				"entryDate", "mood", "sections", "fullText",
			},
		},
		&Collection{
			Name: "workouts",
			LocalFields: []string{
				"name", "exercises", "startedAt", "durationSec", "xpAwarded",
			},
		},
	)
	if err != nil {
		// The built-in registry is static; a failure here is a programming error.
		panic(fmt.Sprintf("invalid built-in registry: %v", err))
	}
	return r
}

// All returns the collections in registration order.
func (r *Registry) All() []*Collection {
	return r.cols
}

// Get looks up a collection by local name.
func (r *Registry) Get(name string) (*Collection, bool) {
	col, ok := r.byName[name]
	return col, ok
}
