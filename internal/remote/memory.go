package remote

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory Store with the same idempotency and tombstone
// semantics as the libSQL implementation. It backs unit tests and the
// offline demo mode; it is not durable.
type Memory struct {
	mu      sync.Mutex
	tables  map[string]map[string]Row
	applied map[string]int

	err        error
	failEntity map[string]error
}

// NewMemory creates an empty in-memory remote store.
func NewMemory() *Memory {
	return &Memory{
		tables:     make(map[string]map[string]Row),
		applied:    make(map[string]int),
		failEntity: make(map[string]error),
	}
}

// SetErr makes every subsequent operation fail with err. Pass nil to
// restore normal behavior.
func (m *Memory) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// FailEntity makes writes for one entity id fail with err, leaving all
// other entities working. Pass nil to clear.
func (m *Memory) FailEntity(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failEntity, id)
		return
	}
	m.failEntity[id] = err
}

// Applied returns how many times an event id actually mutated state.
// An idempotent remote never reports more than 1.
func (m *Memory) Applied(eventID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied[eventID]
}

// Get returns a row snapshot for assertions.
func (m *Memory) Get(table, id string) (Row, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tables[table][id]
	return cloneRow(row), ok
}

// Seed inserts a row directly, bypassing event bookkeeping. Test setup
// for "another device already pushed this" scenarios.
func (m *Memory) Seed(table string, row Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tableFor(table)[row.ID] = cloneRow(row)
}

// Upsert implements Store.
func (m *Memory) Upsert(ctx context.Context, table string, row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeErr(row.ID); err != nil {
		return err
	}
	if m.applied[row.EventID] > 0 {
		return nil
	}

	m.applied[row.EventID]++
	m.tableFor(table)[row.ID] = cloneRow(row)
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, table, id, principal, eventID string, deletedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeErr(id); err != nil {
		return err
	}
	if m.applied[eventID] > 0 {
		return nil
	}
	m.applied[eventID]++

	rows := m.tableFor(table)
	stamp := deletedAt.UTC()

	row, ok := rows[id]
	if !ok {
		row = Row{ID: id, Principal: principal, Columns: map[string]any{}}
	}
	row.EventID = eventID
	row.UpdatedAt = stamp
	row.DeletedAt = &stamp
	rows[id] = row
	return nil
}

// ChangedSince implements Store.
func (m *Memory) ChangedSince(ctx context.Context, table, principal string, since time.Time) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	var out []Row
	for _, row := range m.tables[table] {
		if row.Principal != principal {
			continue
		}
		if row.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, cloneRow(row))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Ping implements Store.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return ErrUnavailable
	}
	return nil
}

func (m *Memory) tableFor(table string) map[string]Row {
	rows, ok := m.tables[table]
	if !ok {
		rows = make(map[string]Row)
		m.tables[table] = rows
	}
	return rows
}

func (m *Memory) writeErr(id string) error {
	if m.err != nil {
		return m.err
	}
	if err := m.failEntity[id]; err != nil {
		return err
	}
	return nil
}

func cloneRow(row Row) Row {
	out := row
	if row.DeletedAt != nil {
		t := *row.DeletedAt
		out.DeletedAt = &t
	}
	if row.Columns != nil {
		cols := make(map[string]any, len(row.Columns))
		for k, v := range row.Columns {
			cols[k] = v
		}
		out.Columns = cols
	}
	return out
}
