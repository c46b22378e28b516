package ir

import "strings"

// TargetItem is an item of a target collection.
type TargetItem struct {
	ID         string         `json:"id"`
	FieldData  map[string]any `json:"fieldData"`
	IsDraft    bool           `json:"isDraft"`
	IsArchived bool           `json:"isArchived"`
}

// Name returns the display name of the item.
func (i *TargetItem) Name() string {
	if i == nil || i.FieldData == nil {
		return ""
	}
	s, _ := i.FieldData["name"].(string)
	return s
}

// Payload maps target schema field slugs to values.
type Payload map[string]any

// Keys returns the payload slugs in no particular order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	return keys
}

// CollectionSchema is the field list of a target collection.
type CollectionSchema struct {
	ID          string        `json:"id"`
	DisplayName string        `json:"displayName"`
	Slug        string        `json:"slug"`
	Fields      []SchemaField `json:"fields"`
}

// SchemaField is one field of a collection schema. Options is empty unless the
// field is an enumerated (option) field.
type SchemaField struct {
	ID          string   `json:"id"`
	Slug        string   `json:"slug"`
	DisplayName string   `json:"displayName"`
	Type        string   `json:"type"`
	IsRequired  bool     `json:"isRequired"`
	Options     []Option `json:"options,omitempty"`
}

// Option is one value of an enumerated field.
type Option struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// FieldBySlug returns the field with the given slug, or nil.
func (s *CollectionSchema) FieldBySlug(slug string) *SchemaField {
	if s == nil {
		return nil
	}
	for i := range s.Fields {
		if s.Fields[i].Slug == slug {
			return &s.Fields[i]
		}
	}
	return nil
}

// OptionByName looks an option up by case-insensitive name.
func (f *SchemaField) OptionByName(name string) (Option, bool) {
	if f == nil {
		return Option{}, false
	}
	for _, o := range f.Options {
		if strings.EqualFold(o.Name, name) {
			return o, true
		}
	}
	return Option{}, false
}

// AssetDescriptor describes a source image and the constraints its
// normalized form must satisfy.
type AssetDescriptor struct {
	SourceURL string `json:"sourceUrl"`
	MaxWidth  int    `json:"maxWidth"`
	Format    string `json:"format"`
	Quality   int    `json:"quality"`
	MaxBytes  int64  `json:"maxBytes"`
}
