package target

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gisement-io/gisement/internal/ir"
)

// Memory is an in-process Store used by tests and dry runs. It counts calls
// per method and can delay the visibility of newly patched options to mimic
// the remote schema's read-after-write lag.
type Memory struct {
	mu       sync.Mutex
	schemas  map[string]*ir.CollectionSchema
	items    map[string][]*ir.TargetItem
	calls    map[string]int
	failures map[string]error
	pending  map[string]pendingPatch
	reads    int
	nextID   int

	// OptionLag is the number of schema reads after a PatchField that still
	// return the old options. A negative lag never publishes them.
	OptionLag int
}

type pendingPatch struct {
	collectionID string
	fieldID      string
	options      []ir.Option
	visibleAt    int
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		schemas:  make(map[string]*ir.CollectionSchema),
		items:    make(map[string][]*ir.TargetItem),
		calls:    make(map[string]int),
		failures: make(map[string]error),
		pending:  make(map[string]pendingPatch),
	}
}

// AddSchema registers a collection schema.
func (m *Memory) AddSchema(schema *ir.CollectionSchema) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemas[schema.ID] = copySchema(schema)
}

// AddItem seeds an item and returns its id.
func (m *Memory) AddItem(collectionID string, fieldData ir.Payload) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insert(collectionID, fieldData).ID
}

// DeleteItem removes an item out of band.
func (m *Memory) DeleteItem(collectionID, itemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items[collectionID]
	for i, it := range items {
		if it.ID == itemID {
			m.items[collectionID] = append(items[:i], items[i+1:]...)
			return
		}
	}
}

// Items returns a copy of the items of a collection.
func (m *Memory) Items(collectionID string) []*ir.TargetItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ir.TargetItem, 0, len(m.items[collectionID]))
	for _, it := range m.items[collectionID] {
		out = append(out, copyItem(it))
	}
	return out
}

// Item returns one item, or nil.
func (m *Memory) Item(collectionID, itemID string) *ir.TargetItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it := m.find(collectionID, itemID); it != nil {
		return copyItem(it)
	}
	return nil
}

// Calls returns how many times a Store method was invoked.
func (m *Memory) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// TotalCalls returns the number of Store calls of any kind.
func (m *Memory) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
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

func (m *Memory) enter(method string) error {
	m.calls[method]++
	return m.failures[method]
}

func (m *Memory) GetCollectionSchema(_ context.Context, collectionID string) (*ir.CollectionSchema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetCollectionSchema"); err != nil {
		return nil, err
	}
	m.reads++

	schema, ok := m.schemas[collectionID]
	if !ok {
		return nil, &APIError{Status: http.StatusNotFound, Code: codeNotFound, Message: "collection " + collectionID}
	}
	for key, p := range m.pending {
		if p.collectionID != collectionID || p.visibleAt < 0 || m.reads < p.visibleAt {
			continue
		}
		for i := range schema.Fields {
			if schema.Fields[i].ID == p.fieldID {
				schema.Fields[i].Options = p.options
			}
		}
		delete(m.pending, key)
	}
	return copySchema(schema), nil
}

func (m *Memory) PatchField(_ context.Context, collectionID, fieldID string, patch FieldPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PatchField"); err != nil {
		return err
	}

	schema, ok := m.schemas[collectionID]
	if !ok {
		return &APIError{Status: http.StatusNotFound, Code: codeNotFound, Message: "collection " + collectionID}
	}
	var field *ir.SchemaField
	for i := range schema.Fields {
		if schema.Fields[i].ID == fieldID {
			field = &schema.Fields[i]
		}
	}
	if field == nil {
		return &APIError{Status: http.StatusNotFound, Code: codeNotFound, Message: "field " + fieldID}
	}
	field.IsRequired = patch.IsRequired
	field.DisplayName = patch.DisplayName

	options := make([]ir.Option, 0, len(patch.Validations.Options))
	for _, o := range patch.Validations.Options {
		if o.ID == "" {
			m.nextID++
			o.ID = fmt.Sprintf("opt-%d", m.nextID)
		}
		options = append(options, o)
	}

	if m.OptionLag == 0 {
		field.Options = options
		return nil
	}
	visibleAt := m.reads + m.OptionLag + 1
	if m.OptionLag < 0 {
		visibleAt = -1
	}
	m.pending[collectionID+"/"+fieldID] = pendingPatch{
		collectionID: collectionID,
		fieldID:      fieldID,
		options:      options,
		visibleAt:    visibleAt,
	}
	return nil
}

func (m *Memory) ListItems(_ context.Context, collectionID string, limit int) ([]*ir.TargetItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListItems"); err != nil {
		return nil, err
	}
	items := m.items[collectionID]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]*ir.TargetItem, 0, len(items))
	for _, it := range items {
		out = append(out, copyItem(it))
	}
	return out, nil
}

func (m *Memory) CreateItem(_ context.Context, collectionID string, fieldData ir.Payload) (*ir.TargetItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateItem"); err != nil {
		return nil, err
	}
	return copyItem(m.insert(collectionID, fieldData)), nil
}

func (m *Memory) UpdateItem(_ context.Context, collectionID, itemID string, fieldData ir.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateItem"); err != nil {
		return err
	}
	it := m.find(collectionID, itemID)
	if it == nil {
		return &APIError{Status: http.StatusNotFound, Code: codeNotFound, Message: "item " + itemID}
	}
	for k, v := range fieldData {
		it.FieldData[k] = v
	}
	return nil
}

func (m *Memory) insert(collectionID string, fieldData ir.Payload) *ir.TargetItem {
	m.nextID++
	it := &ir.TargetItem{
		ID:        fmt.Sprintf("item-%d", m.nextID),
		FieldData: make(map[string]any, len(fieldData)),
	}
	for k, v := range fieldData {
		it.FieldData[k] = v
	}
	m.items[collectionID] = append(m.items[collectionID], it)
	return it
}

func (m *Memory) find(collectionID, itemID string) *ir.TargetItem {
	for _, it := range m.items[collectionID] {
		if it.ID == itemID {
			return it
		}
	}
	return nil
}

func copySchema(s *ir.CollectionSchema) *ir.CollectionSchema {
	out := *s
	out.Fields = make([]ir.SchemaField, len(s.Fields))
	for i, f := range s.Fields {
		f.Options = append([]ir.Option(nil), f.Options...)
		out.Fields[i] = f
	}
	return &out
}

func copyItem(it *ir.TargetItem) *ir.TargetItem {
	out := *it
	out.FieldData = make(map[string]any, len(it.FieldData))
	for k, v := range it.FieldData {
		out.FieldData[k] = v
	}
	return &out
}
