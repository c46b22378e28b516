package engine

import (
	"math/rand/v2"
	"reflect"
	"strconv"

	"github.com/gisement-io/gisement/internal/ir"
)

// Mapper translates source records into target payloads.
type Mapper struct {
	Table *ir.FieldTable
	// Suffix returns the number appended to generated slugs. Defaults to a
	// random value in [0, 1000).
	Suffix func() int
}

func NewMapper(table *ir.FieldTable) *Mapper {
	return &Mapper{Table: table}
}

// Name returns the display name of a record.
func (m *Mapper) Name(rec *ir.SourceRecord) string {
	return rec.String(m.Table.NameField)
}

// Slug returns the record's own slug, or one generated from its name.
func (m *Mapper) Slug(rec *ir.SourceRecord) string {
	if m.Table.SlugField != "" {
		if s := rec.String(m.Table.SlugField); s != "" {
			return s
		}
	}
	suffix := m.Suffix
	if suffix == nil {
		suffix = func() int { return rand.IntN(1000) }
	}
	return Slugify(m.Name(rec)) + "-" + strconv.Itoa(suffix())
}

// CachedID returns the target item id remembered on the record.
func (m *Mapper) CachedID(rec *ir.SourceRecord) string {
	return rec.String(m.Table.ItemIDField)
}

// Map applies the field table to rec, merges extras (resolved ids, asset
// URLs, name and slug) on top and drops empty values.
func (m *Mapper) Map(rec *ir.SourceRecord, extras ir.Payload) ir.Payload {
	payload := make(ir.Payload, len(m.Table.Fields)+len(extras))
	for _, f := range m.Table.Fields {
		switch f.Kind {
		case ir.KindText:
			if v := rec.Value(f.Source); v != nil {
				payload[f.Target] = ir.Stringify(v)
			}
		case ir.KindList:
			payload[f.Target] = rec.Strings(f.Source)
		default:
			payload[f.Target] = rec.Value(f.Source)
		}
	}
	for k, v := range extras {
		payload[k] = v
	}
	return CleanFields(payload)
}

// CleanFields removes every key whose value is nil, a typed nil, an empty
// string or an empty list. Zero numbers and false are kept.
func CleanFields(p ir.Payload) ir.Payload {
	out := make(ir.Payload, len(p))
	for k, v := range p {
		if isEmpty(v) {
			continue
		}
		out[k] = v
	}
	return out
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	case reflect.Slice:
		return rv.IsNil() || rv.Len() == 0
	}
	return false
}
