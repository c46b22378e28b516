package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// SyncState is the publication state of a source record.
type SyncState string

const (
	StatePending         SyncState = "pending"
	StateUpdateRequested SyncState = "update_requested"
	StatePublished       SyncState = "published"
	StateError           SyncState = "error"
)

// Eligible reports whether a record in this state is picked up by a batch.
func (s SyncState) Eligible() bool {
	return s == StatePending || s == StateUpdateRequested
}

// SourceRecord is one row of the source-of-truth store.
type SourceRecord struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
	State  SyncState      `json:"state"`
}

// Attachment is a file attached to a source record.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	Type     string `json:"type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Value returns the raw attribute value, or nil.
func (r *SourceRecord) Value(name string) any {
	if r == nil || r.Fields == nil {
		return nil
	}
	return r.Fields[name]
}

// String returns the attribute as a trimmed string. Numbers are formatted
// without a trailing ".0".
func (r *SourceRecord) String(name string) string {
	return strings.TrimSpace(Stringify(r.Value(name)))
}

// Strings returns a list attribute as strings. A single string is returned as
// a one-element list.
func (r *SourceRecord) Strings(name string) []string {
	switch v := r.Value(name).(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s := Stringify(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{Stringify(v)}
	}
}

// Links returns the linked record ids of a link attribute.
func (r *SourceRecord) Links(name string) []string {
	return r.Strings(name)
}

// Attachments decodes an attachment list attribute.
func (r *SourceRecord) Attachments(name string) []Attachment {
	switch v := r.Value(name).(type) {
	case []Attachment:
		return v
	case []any:
		out := make([]Attachment, 0, len(v))
		for _, e := range v {
			m, ok := e.(map[string]any)
			if !ok {
				continue
			}
			a := Attachment{
				URL:      Stringify(m["url"]),
				Filename: Stringify(m["filename"]),
				Type:     Stringify(m["type"]),
			}
			if size, ok := m["size"].(float64); ok {
				a.Size = int64(size)
			}
			if a.URL != "" {
				out = append(out, a)
			}
		}
		return out
	default:
		return nil
	}
}

// Stringify converts scalar attribute values to their text form.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
