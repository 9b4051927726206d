package wizard

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// ErrorMap maps a field key to a human-readable message. An empty map means
// the step is valid.
type ErrorMap map[string]string

// Clone returns a copy of the map. The copy is never nil.
func (m ErrorMap) Clone() ErrorMap {
	out := make(ErrorMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Field is one scalar input owned by a step.
type Field struct {
	Key        string
	Label      string
	Validators []Validator
}

// GroupMode selects how a Group constrains its members.
type GroupMode int

const (
	// AtLeastOne requires a value in at least one member.
	AtLeastOne GroupMode = iota
	// AtMostOne forbids values in more than one member.
	AtMostOne
)

// Group is a cross-field rule over fields of the same step. On failure the
// same message is attached to every member so each indicator lights up.
type Group struct {
	Keys    []string
	Mode    GroupMode
	Message string
}

// Collection describes an array-valued sub-entity such as diagnosis codes.
// Max of zero means unbounded.
type Collection struct {
	Key          string
	Label        string
	Min          int
	Max          int
	HasPrimary   bool
	Fields       []Field
	EmptyMessage string
}

func (c *Collection) hasField(name string) bool {
	for _, f := range c.Fields {
		if f.Key == name {
			return true
		}
	}
	return false
}

// blank reports whether every member field of it is empty.
func (c *Collection) blank(it Item) bool {
	for _, f := range c.Fields {
		if strings.TrimSpace(it.Fields[f.Key]) != "" {
			return false
		}
	}
	return true
}

// Check is a free-form rule. Keys lists the answer keys it reads; a
// collection key covers every member field of that collection.
type Check struct {
	Keys []string
	Fn   func(Answers) ErrorMap
}

// Step is the immutable definition of one stage of a form.
type Step struct {
	ID          string
	Title       string
	Ordinal     int
	Fields      []Field
	Groups      []Group
	Collections []*Collection
	Checks      []Check
	// Applicable, when set, lets the step be skipped for some answer sets.
	Applicable func(Answers) bool
	// Review marks a summary step that may jump back to any section.
	Review bool
}

// IsApplicable reports whether the step is shown for answers.
func (s *Step) IsApplicable(a Answers) bool {
	return s.Applicable == nil || s.Applicable(a)
}

// Validate runs every rule of the step against answers.
func (s *Step) Validate(a Answers) ErrorMap {
	errs := ErrorMap{}
	for _, f := range s.Fields {
		if msg, ok := runField(f.Validators, f.Key, a[f.Key], a); !ok {
			errs[f.Key] = msg
		}
	}
	for _, g := range s.Groups {
		for k, msg := range g.validate(a) {
			if _, taken := errs[k]; !taken {
				errs[k] = msg
			}
		}
	}
	for _, c := range s.Collections {
		for k, msg := range c.validate(a) {
			errs[k] = msg
		}
	}
	for _, chk := range s.Checks {
		for k, msg := range chk.Fn(a) {
			if _, taken := errs[k]; !taken {
				errs[k] = msg
			}
		}
	}
	return errs
}

// ValidateField runs only the rules of the step that read key and reports
// the message for key, if any.
func (s *Step) ValidateField(key string, a Answers) (string, bool) {
	for _, f := range s.Fields {
		if f.Key == key {
			if msg, ok := runField(f.Validators, key, a[key], a); !ok {
				return msg, false
			}
		}
	}
	for _, g := range s.Groups {
		if !slices.Contains(g.Keys, key) {
			continue
		}
		if msg, bad := g.validate(a)[key]; bad {
			return msg, false
		}
	}
	for _, c := range s.Collections {
		if key != c.Key && !strings.HasPrefix(key, c.Key+".") {
			continue
		}
		if msg, bad := c.validate(a)[key]; bad {
			return msg, false
		}
	}
	for _, chk := range s.Checks {
		if !touches(chk.Keys, key) {
			continue
		}
		if msg, bad := chk.Fn(a)[key]; bad {
			return msg, false
		}
	}
	return "", true
}

// Owns reports whether key belongs to one of the step's rules.
func (s *Step) Owns(key string) bool {
	for _, f := range s.Fields {
		if f.Key == key {
			return true
		}
	}
	for _, c := range s.Collections {
		if key == c.Key || strings.HasPrefix(key, c.Key+".") {
			return true
		}
	}
	for _, chk := range s.Checks {
		if touches(chk.Keys, key) {
			return true
		}
	}
	return false
}

// Order lists the error keys the step can produce in document order for the
// given answers.
func (s *Step) Order(a Answers) []string {
	var keys []string
	for _, f := range s.Fields {
		keys = append(keys, f.Key)
	}
	for _, c := range s.Collections {
		keys = append(keys, c.Key)
		for _, it := range a.Items(c.Key) {
			for _, f := range c.Fields {
				keys = append(keys, ItemKey(c.Key, it.ID, f.Key))
			}
		}
	}
	for _, chk := range s.Checks {
		for _, k := range chk.Keys {
			if items, ok := a[k].([]Item); ok {
				for _, it := range items {
					for _, f := range it.fieldNames() {
						keys = append(keys, ItemKey(k, it.ID, f))
					}
				}
				continue
			}
			keys = append(keys, k)
		}
	}
	return keys
}

// FirstError returns the key of the first error in document order.
func (s *Step) FirstError(errs ErrorMap, a Answers) string {
	if len(errs) == 0 {
		return ""
	}
	for _, k := range s.Order(a) {
		if _, ok := errs[k]; ok {
			return k
		}
	}
	rest := make([]string, 0, len(errs))
	for k := range errs {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	return rest[0]
}

func (g Group) validate(a Answers) ErrorMap {
	filled := 0
	for _, k := range g.Keys {
		if !isEmpty(a[k]) {
			filled++
		}
	}
	failed := false
	switch g.Mode {
	case AtLeastOne:
		failed = filled == 0
	case AtMostOne:
		failed = filled > 1
	}
	if !failed {
		return nil
	}
	errs := make(ErrorMap, len(g.Keys))
	for _, k := range g.Keys {
		errs[k] = g.Message
	}
	return errs
}

func (c *Collection) validate(a Answers) ErrorMap {
	errs := ErrorMap{}
	items := a.Items(c.Key)
	nonBlank := 0
	for _, it := range items {
		if !c.blank(it) {
			nonBlank++
		}
		for _, f := range c.Fields {
			key := ItemKey(c.Key, it.ID, f.Key)
			if msg, ok := runField(f.Validators, key, it.Fields[f.Key], a); !ok {
				errs[key] = msg
			}
		}
	}
	if c.Min >= 1 && nonBlank == 0 {
		msg := c.EmptyMessage
		if msg == "" {
			msg = "At least one entry is required"
		}
		errs[c.Key] = msg
	}
	if _, taken := errs[c.Key]; !taken {
		if msg := c.shapeError(items); msg != "" {
			errs[c.Key] = msg
		}
	}
	return errs
}

// shapeError reports a broken size or primary invariant. The intents never
// produce one, so it only fires for answers restored from outside.
func (c *Collection) shapeError(items []Item) string {
	if c.Max > 0 && len(items) > c.Max {
		return fmt.Sprintf("At most %d entries are allowed", c.Max)
	}
	if c.HasPrimary && len(items) > 0 {
		primaries := 0
		for _, it := range items {
			if it.Primary {
				primaries++
			}
		}
		if primaries != 1 {
			return "Exactly one entry must be primary"
		}
	}
	return ""
}

// repair trims items above Max and leaves exactly one primary when the
// collection tracks one. The first primary wins, else the first item.
func (c *Collection) repair(items []Item) []Item {
	if c.Max > 0 && len(items) > c.Max {
		items = items[:c.Max]
	}
	if !c.HasPrimary || len(items) == 0 {
		return items
	}
	keep := 0
	for i, it := range items {
		if it.Primary {
			keep = i
			break
		}
	}
	for i := range items {
		items[i].Primary = i == keep
	}
	return items
}

func (it Item) fieldNames() []string {
	names := make([]string, 0, len(it.Fields))
	for k := range it.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func runField(vs []Validator, key string, v any, a Answers) (string, bool) {
	for _, fn := range vs {
		if msg, ok := fn.Check(key, v, a); !ok {
			return msg, false
		}
	}
	return "", true
}

func touches(keys []string, key string) bool {
	for _, k := range keys {
		if k == key || strings.HasPrefix(key, k+".") {
			return true
		}
	}
	return false
}
