package schema

import (
	"fmt"
	"strings"
	"unicode"
)

// NameMap is an explicit two-way mapping between local (lowerCamel)
// names and remote (snake_case) names.
//
// The map is built once per collection from the declared field list and
// looked up per call. Both directions are table lookups, so a name that
// round-trips is guaranteed to come back byte-identical; there is no
// per-call string inference once the table exists.
type NameMap struct {
	toRemote map[string]string
	toLocal  map[string]string
}

// NewNameMap builds the two-way table for the given local names.
//
// Returns an error if two local names collide on the same remote name
// (e.g. "dueAt" and "due_at" both mapping to "due_at"), since the
// mapping must be a bijection for round-trips to be safe.
func NewNameMap(locals []string) (*NameMap, error) {
	m := &NameMap{
		toRemote: make(map[string]string, len(locals)),
		toLocal:  make(map[string]string, len(locals)),
	}
	for _, local := range locals {
		remote := camelToSnake(local)
		if prev, ok := m.toLocal[remote]; ok && prev != local {
			return nil, fmt.Errorf("name collision: %q and %q both map to %q", prev, local, remote)
		}
		m.toRemote[local] = remote
		m.toLocal[remote] = local
	}
	return m, nil
}

// Remote returns the remote name for a local name.
func (m *NameMap) Remote(local string) (string, bool) {
	remote, ok := m.toRemote[local]
	return remote, ok
}

// Local returns the local name for a remote name.
func (m *NameMap) Local(remote string) (string, bool) {
	local, ok := m.toLocal[remote]
	return local, ok
}

// RemoteName converts a single lowerCamel name to snake_case.
//
// This is the word-boundary conversion used to derive remote table
// names from collection names ("journalEntries" -> "journal_entries").
// Field access should go through a NameMap instead.
func RemoteName(local string) string {
	return camelToSnake(local)
}

// LocalName converts a snake_case name back to lowerCamel.
func LocalName(remote string) string {
	return snakeToCamel(remote)
}

// camelToSnake inserts an underscore at every upper-case word boundary.
func camelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// snakeToCamel upper-cases the letter following each underscore.
func snakeToCamel(s string) string {
	var b strings.Builder
	upperNext := false
	for _, r := range s {
		if r == '_' {
			upperNext = true
			continue
		}
		if upperNext {
			b.WriteRune(unicode.ToUpper(r))
			upperNext = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
