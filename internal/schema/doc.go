// Package schema defines the structural contract every synced record
// satisfies, the registry of synced collections, and the two-way naming
// map between local field names and remote column names.
//
// The sync engine is deliberately agnostic to entity semantics. It only
// ever looks at a record's identity, its last-modified timestamp, its
// tombstone marker, and - for sectioned collections - the map of
// independently editable sections. Everything else rides along in the
// Fields payload untouched.
package schema
