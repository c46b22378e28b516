package source

import (
	"context"
	"sync"

	"github.com/gisement-io/gisement/internal/ir"
)

// Memory is an in-process Store. Records keep insertion order.
type Memory struct {
	mu       sync.Mutex
	table    *ir.FieldTable
	products string
	tables   map[string][]*ir.SourceRecord
	updates  []MemoryUpdate
	failures map[string]error
}

// MemoryUpdate records one Update call.
type MemoryUpdate struct {
	ID    string
	Patch Patch
}

var _ Store = (*Memory)(nil)

func NewMemory(table *ir.FieldTable, productsTable string) *Memory {
	return &Memory{
		table:    table,
		products: productsTable,
		tables:   make(map[string][]*ir.SourceRecord),
		failures: make(map[string]error),
	}
}

// Add seeds a record into a table. The state is derived from the status
// attribute when it is not set.
func (m *Memory) Add(table string, rec *ir.SourceRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.State == "" {
		if label, ok := rec.Fields[m.table.StatusField].(string); ok {
			rec.State = m.table.StateOf(label)
		}
	}
	m.tables[table] = append(m.tables[table], rec)
}

// Record returns a copy of a record, or nil.
func (m *Memory) Record(table, id string) *ir.SourceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.find(table, id); rec != nil {
		return copyRecord(rec)
	}
	return nil
}

// Updates returns the Update calls in order.
func (m *Memory) Updates() []MemoryUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MemoryUpdate(nil), m.updates...)
}

// Fail makes every later call of method return err. A nil err clears it.
func (m *Memory) Fail(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

func (m *Memory) Select(_ context.Context, q Query) ([]*ir.SourceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["Select"]; err != nil {
		return nil, err
	}
	var out []*ir.SourceRecord
	for _, rec := range m.tables[m.products] {
		if !wants(q, rec.State) {
			continue
		}
		out = append(out, copyRecord(rec))
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Update(_ context.Context, id string, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["Update"]; err != nil {
		return err
	}
	rec := m.find(m.products, id)
	if rec == nil {
		return ErrNotFound
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]any)
	}
	for k, v := range attributes(m.table, patch) {
		rec.Fields[k] = v
	}
	rec.State = patch.State
	m.updates = append(m.updates, MemoryUpdate{ID: id, Patch: patch})
	return nil
}

func (m *Memory) Find(_ context.Context, table, id string) (*ir.SourceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["Find"]; err != nil {
		return nil, err
	}
	rec := m.find(table, id)
	if rec == nil {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *Memory) find(table, id string) *ir.SourceRecord {
	for _, rec := range m.tables[table] {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

func copyRecord(rec *ir.SourceRecord) *ir.SourceRecord {
	out := *rec
	out.Fields = make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		out.Fields[k] = v
	}
	return &out
}
