// Package merge resolves conflicts between a local and a remote copy of
// the same record.
//
// Resolution is pure and deterministic: the same two snapshots always
// produce the same result, on every device, in either direction. Three
// rules apply in order: a tombstone on either side wins outright,
// sectioned collections merge section by section, and everything else
// is last-writer-wins with the remote copy winning exact timestamp
// ties.
package merge

import (
	"time"

	"github.com/driftline/driftline/internal/schema"
)

// Resolve returns the record that survives a conflict between the local
// and remote copies. Neither input is mutated; the result is always a
// copy.
func Resolve(col *schema.Collection, local, remote *schema.Record) *schema.Record {
	if local == nil {
		return remote.Clone()
	}
	if remote == nil {
		return local.Clone()
	}

	// A deletion beats any concurrent edit, regardless of timestamps.
	// An edit made after the delete on another device revives nothing;
	// resurrect-by-editing is not a supported flow.
	if local.IsTombstone() || remote.IsTombstone() {
		return resolveTombstone(local, remote)
	}

	if col.Sectioned {
		return resolveSections(col, local, remote)
	}

	return lww(local, remote).Clone()
}

// Tombstone returns a tombstoned copy of the record. UpdatedAt is
// bumped to the deletion time so the tombstone propagates as the
// record's newest state.
func Tombstone(rec *schema.Record, deletedAt time.Time) *schema.Record {
	out := rec.Clone()
	at := deletedAt.UTC()
	out.DeletedAt = &at
	if out.UpdatedAt.Before(at) {
		out.UpdatedAt = at
	}
	return out
}

// resolveTombstone keeps the tombstone side intact: the applied row
// carries the deletion time as its UpdatedAt rather than a local
// wall-clock stamp, so every device converges on an identical row for
// the same deletion. Supremacy never depends on that timestamp.
func resolveTombstone(local, remote *schema.Record) *schema.Record {
	switch {
	case local.IsTombstone() && remote.IsTombstone():
		return lww(local, remote).Clone()
	case remote.IsTombstone():
		return remote.Clone()
	default:
		return local.Clone()
	}
}

// resolveSections merges a sectioned record section by section. For
// each section, an exclusively non-empty side wins; when both sides
// have text, the side edited later wins that section only. Sections
// merge independently, so edits to different sections on different
// devices both survive.
func resolveSections(col *schema.Collection, local, remote *schema.Record) *schema.Record {
	base := lww(local, remote).Clone()

	localSec := local.Sections()
	remoteSec := remote.Sections()

	merged := make(map[string]string)
	for _, key := range sectionKeys(col, localSec, remoteSec) {
		lv, rv := localSec[key], remoteSec[key]
		switch {
		case lv == "":
			merged[key] = rv
		case rv == "":
			merged[key] = lv
		case local.UpdatedAt.After(remote.UpdatedAt):
			merged[key] = lv
		default:
			merged[key] = rv
		}
	}

	base.SetSections(merged, col.SectionOrder)
	if local.UpdatedAt.After(base.UpdatedAt) {
		base.UpdatedAt = local.UpdatedAt
	}
	if remote.UpdatedAt.After(base.UpdatedAt) {
		base.UpdatedAt = remote.UpdatedAt
	}
	return base
}

// sectionKeys returns the ordered section names plus any keys present
// on either side but missing from the fixed order, so stray sections
// are carried rather than silently dropped.
func sectionKeys(col *schema.Collection, a, b map[string]string) []string {
	keys := make([]string, 0, len(col.SectionOrder))
	seen := make(map[string]bool, len(col.SectionOrder))
	for _, key := range col.SectionOrder {
		keys = append(keys, key)
		seen[key] = true
	}
	for key := range a {
		if !seen[key] {
			keys = append(keys, key)
			seen[key] = true
		}
	}
	for key := range b {
		if !seen[key] {
			keys = append(keys, key)
			seen[key] = true
		}
	}
	return keys
}

// lww picks the copy with the greater UpdatedAt. On an exact tie the
// remote copy wins, so every device converges to the same state.
func lww(local, remote *schema.Record) *schema.Record {
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return local
	}
	return remote
}
