package ir

import (
	"errors"
	"fmt"
)

// FieldKind selects how a source attribute is translated.
type FieldKind string

const (
	KindCopy FieldKind = "copy" // value copied as is
	KindText FieldKind = "text" // value coerced to its string form
	KindList FieldKind = "list" // value flattened to a list of strings
)

// FieldMapping maps one source attribute to one target slug.
type FieldMapping struct {
	Source string    `yaml:"source" json:"source"`
	Target string    `yaml:"target" json:"target"`
	Kind   FieldKind `yaml:"kind" json:"kind"`
}

// ReferenceMapping maps a source attribute to a reference field of a linked
// target collection. When Table is set the source values are linked record ids
// whose display name is read from NameFields of that table.
type ReferenceMapping struct {
	Source     string   `yaml:"source" json:"source"`
	Target     string   `yaml:"target" json:"target"`
	Collection string   `yaml:"collection" json:"collection"`
	Table      string   `yaml:"table,omitempty" json:"table,omitempty"`
	NameFields []string `yaml:"nameFields,omitempty" json:"nameFields,omitempty"`
	Multiple   bool     `yaml:"multiple,omitempty" json:"multiple,omitempty"`
}

// OptionMapping maps a source attribute to an enumerated target field.
type OptionMapping struct {
	Source string `yaml:"source" json:"source"`
	Target string `yaml:"target" json:"target"`
}

// AssetMapping maps an attachment attribute to an image field.
type AssetMapping struct {
	Source   string `yaml:"source" json:"source"`
	Target   string `yaml:"target" json:"target"`
	Multiple bool   `yaml:"multiple,omitempty" json:"multiple,omitempty"`
}

// FieldTable is the full translation between source records and target items.
type FieldTable struct {
	NameField    string               `yaml:"name" json:"name"`
	SlugField    string               `yaml:"slug" json:"slug"`
	ItemIDField  string               `yaml:"itemId" json:"itemId"`
	StatusField  string               `yaml:"status" json:"status"`
	StatusLabels map[SyncState]string `yaml:"statusLabels" json:"statusLabels"`
	Fields       []FieldMapping       `yaml:"fields" json:"fields"`
	References   []ReferenceMapping   `yaml:"references" json:"references"`
	Options      []OptionMapping      `yaml:"options" json:"options"`
	Assets       []AssetMapping       `yaml:"assets" json:"assets"`
}

// Label returns the source store's label for a state.
func (t *FieldTable) Label(s SyncState) string {
	if l, ok := t.StatusLabels[s]; ok {
		return l
	}
	return string(s)
}

// StateOf parses a source store label back into a state.
func (t *FieldTable) StateOf(label string) SyncState {
	for s, l := range t.StatusLabels {
		if l == label {
			return s
		}
	}
	return SyncState(label)
}

// Validate reports every problem with the table.
func (t *FieldTable) Validate() error {
	var errs []error
	if t.NameField == "" {
		errs = append(errs, errors.New("field table: name attribute is required"))
	}
	if t.ItemIDField == "" {
		errs = append(errs, errors.New("field table: itemId attribute is required"))
	}
	if t.StatusField == "" {
		errs = append(errs, errors.New("field table: status attribute is required"))
	}
	for _, s := range []SyncState{StatePending, StateUpdateRequested, StatePublished, StateError} {
		if t.StatusLabels[s] == "" {
			errs = append(errs, fmt.Errorf("field table: missing status label for %s", s))
		}
	}

	seen := make(map[string]bool)
	claim := func(target string) {
		if target == "" {
			return
		}
		if seen[target] {
			errs = append(errs, fmt.Errorf("field table: target %q mapped twice", target))
		}
		seen[target] = true
	}

	for i, f := range t.Fields {
		if f.Source == "" || f.Target == "" {
			errs = append(errs, fmt.Errorf("field table: fields[%d] needs source and target", i))
		}
		switch f.Kind {
		case KindCopy, KindText, KindList, "":
		default:
			errs = append(errs, fmt.Errorf("field table: fields[%d] has unknown kind %q", i, f.Kind))
		}
		claim(f.Target)
	}
	for i, r := range t.References {
		if r.Source == "" || r.Target == "" || r.Collection == "" {
			errs = append(errs, fmt.Errorf("field table: references[%d] needs source, target and collection", i))
		}
		if r.Table != "" && len(r.NameFields) == 0 {
			errs = append(errs, fmt.Errorf("field table: references[%d] links a table but has no nameFields", i))
		}
		claim(r.Target)
	}
	for i, o := range t.Options {
		if o.Source == "" || o.Target == "" {
			errs = append(errs, fmt.Errorf("field table: options[%d] needs source and target", i))
		}
		claim(o.Target)
	}
	for i, a := range t.Assets {
		if a.Source == "" || a.Target == "" {
			errs = append(errs, fmt.Errorf("field table: assets[%d] needs source and target", i))
		}
		claim(a.Target)
	}
	return errors.Join(errs...)
}
