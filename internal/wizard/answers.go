// Package wizard implements the stepped-form engine shared by the back-office
// intake forms: declarative steps with per-step validation, conditional
// requirements, bounded sub-entity collections, gated navigation and an
// ordered asynchronous submission pipeline.
package wizard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Answers is the flat record of every field value across all steps of a
// form. Values are string, bool, float64, []Item or nil.
type Answers map[string]any

// Item is one record of a collection field such as diagnosis codes.
type Item struct {
	ID      int               `json:"id"`
	Primary bool              `json:"isPrimary"`
	Fields  map[string]string `json:"fields"`
}

// Text returns the value stored under key rendered as a trimmed string.
func (a Answers) Text(key string) string {
	return textOf(a[key])
}

// Items returns the collection stored under key, or nil when the key does
// not hold a collection.
func (a Answers) Items(key string) []Item {
	items, _ := a[key].([]Item)
	return items
}

// Clone returns a deep copy of the answer set.
func (a Answers) Clone() Answers {
	out := make(Answers, len(a))
	for k, v := range a {
		if items, ok := v.([]Item); ok {
			out[k] = cloneItems(items)
			continue
		}
		out[k] = v
	}
	return out
}

// UnmarshalJSON decodes a stored answer set. Arrays are collections, since
// every other answer is a scalar.
func (a *Answers) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Answers, len(raw))
	for k, msg := range raw {
		if trimmed := bytes.TrimSpace(msg); len(trimmed) > 0 && trimmed[0] == '[' {
			var items []Item
			if err := json.Unmarshal(trimmed, &items); err != nil {
				return fmt.Errorf("answer %s: %w", k, err)
			}
			if items == nil {
				items = []Item{}
			}
			for i := range items {
				if items[i].Fields == nil {
					items[i].Fields = map[string]string{}
				}
			}
			out[k] = items
			continue
		}
		var v any
		if err := json.Unmarshal(msg, &v); err != nil {
			return fmt.Errorf("answer %s: %w", k, err)
		}
		nv, err := normalize(v)
		if err != nil {
			return fmt.Errorf("answer %s: %w", k, err)
		}
		out[k] = nv
	}
	*a = out
	return nil
}

func cloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i, it := range items {
		fields := make(map[string]string, len(it.Fields))
		for k, v := range it.Fields {
			fields[k] = v
		}
		out[i] = Item{ID: it.ID, Primary: it.Primary, Fields: fields}
	}
	return out
}

// ItemKey is the error-map key of a member field of a collection item.
func ItemKey(collection string, itemID int, field string) string {
	return fmt.Sprintf("%s.%d.%s", collection, itemID, field)
}

// splitItemKey reverses ItemKey.
func splitItemKey(key string) (collection string, itemID int, field string, ok bool) {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) != 3 {
		return "", 0, "", false
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", false
	}
	return parts[0], id, parts[2], true
}

func textOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []Item:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []Item:
		return len(t) == 0
	default:
		return false
	}
}

// normalize coerces a value arriving from a caller into one of the types an
// Answers map may hold.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case float32:
		return float64(t), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidValue, v)
	}
}
