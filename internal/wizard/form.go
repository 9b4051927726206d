package wizard

import (
	"errors"
	"fmt"
	"time"
)

// TerminalStepID is the step ID reported once a submission is accepted.
const TerminalStepID = "submitted"

// Form is a complete wizard definition: the ordered steps, the default
// answer set every session starts from, and the submission phases.
type Form struct {
	ID       string
	Title    string
	Steps    []*Step
	Defaults Answers
	Phases   []Phase

	collections map[string]*Collection
}

// New assigns step ordinals and checks the schema. Schema mistakes such as a
// validator reading a key missing from the defaults are reported here, at
// startup, instead of surfacing as silent no-ops.
func New(id, title string, defaults Answers, phases []Phase, steps ...*Step) (*Form, error) {
	f := &Form{
		ID:          id,
		Title:       title,
		Steps:       steps,
		Defaults:    defaults,
		Phases:      phases,
		collections: make(map[string]*Collection),
	}
	for i, s := range steps {
		s.Ordinal = i + 1
		for _, c := range s.Collections {
			f.collections[c.Key] = c
		}
	}
	if err := f.check(); err != nil {
		return nil, fmt.Errorf("form %s: %w", id, err)
	}
	return f, nil
}

// MustNew is New for package-level form definitions.
func MustNew(id, title string, defaults Answers, phases []Phase, steps ...*Step) *Form {
	f, err := New(id, title, defaults, phases, steps...)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *Form) check() error {
	if f.ID == "" {
		return errors.New("form id is required")
	}
	if len(f.Steps) == 0 {
		return errors.New("at least one step is required")
	}
	if f.Steps[0].Applicable != nil || f.Steps[len(f.Steps)-1].Applicable != nil {
		return errors.New("first and last steps must always be applicable")
	}
	seenStep := map[string]bool{}
	owner := map[string]string{}
	for _, s := range f.Steps {
		if s.ID == "" || s.ID == TerminalStepID || seenStep[s.ID] {
			return fmt.Errorf("step %d: invalid or duplicate id %q", s.Ordinal, s.ID)
		}
		seenStep[s.ID] = true
		local := map[string]bool{}
		for _, fl := range s.Fields {
			v, ok := f.Defaults[fl.Key]
			if !ok {
				return fmt.Errorf("step %s: field %q has no default", s.ID, fl.Key)
			}
			if _, isColl := v.([]Item); isColl {
				return fmt.Errorf("step %s: field %q is a collection", s.ID, fl.Key)
			}
			if prev, dup := owner[fl.Key]; dup {
				return fmt.Errorf("step %s: field %q already owned by step %s", s.ID, fl.Key, prev)
			}
			owner[fl.Key] = s.ID
			local[fl.Key] = true
			if err := f.checkDeps(s.ID, fl); err != nil {
				return err
			}
		}
		for _, g := range s.Groups {
			for _, k := range g.Keys {
				if !local[k] {
					return fmt.Errorf("step %s: group member %q is not a field of the step", s.ID, k)
				}
			}
		}
		for _, c := range s.Collections {
			if _, ok := f.Defaults[c.Key].([]Item); !ok {
				return fmt.Errorf("step %s: collection %q has no list default", s.ID, c.Key)
			}
			if c.Max > 0 && c.Max < c.Min {
				return fmt.Errorf("step %s: collection %q max below min", s.ID, c.Key)
			}
			if prev, dup := owner[c.Key]; dup {
				return fmt.Errorf("step %s: collection %q already owned by step %s", s.ID, c.Key, prev)
			}
			owner[c.Key] = s.ID
			for _, fl := range c.Fields {
				if err := f.checkDeps(s.ID, fl); err != nil {
					return err
				}
			}
		}
		for _, chk := range s.Checks {
			for _, k := range chk.Keys {
				if _, ok := f.Defaults[k]; !ok {
					return fmt.Errorf("step %s: check reads unknown key %q", s.ID, k)
				}
			}
		}
	}
	return nil
}

// checkDeps rejects validators that read a key the form does not define.
func (f *Form) checkDeps(stepID string, fl Field) error {
	for _, v := range fl.Validators {
		for _, dep := range v.Deps() {
			if _, ok := f.Defaults[dep]; !ok {
				return fmt.Errorf("step %s: field %q depends on unknown key %q", stepID, fl.Key, dep)
			}
		}
	}
	return nil
}

// StepCount is the number of interactive steps.
func (f *Form) StepCount() int { return len(f.Steps) }

// Step returns the step at the 1-based index n, or nil.
func (f *Form) Step(n int) *Step {
	if n < 1 || n > len(f.Steps) {
		return nil
	}
	return f.Steps[n-1]
}

// StepByID returns the step with the given id, or nil.
func (f *Form) StepByID(id string) *Step {
	for _, s := range f.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Collection returns the definition of the named collection, or nil.
func (f *Form) Collection(key string) *Collection {
	return f.collections[key]
}

// IsField reports whether key is a scalar field of the form.
func (f *Form) IsField(key string) bool {
	v, ok := f.Defaults[key]
	if !ok {
		return false
	}
	_, isColl := v.([]Item)
	return !isColl
}

// knownKey reports whether key can appear in an error map.
func (f *Form) knownKey(key string) bool {
	if _, ok := f.Defaults[key]; ok {
		return true
	}
	coll, _, field, ok := splitItemKey(key)
	if !ok {
		return false
	}
	c := f.Collection(coll)
	return c != nil && c.hasField(field)
}

// InitialState returns the state every session of the form starts in.
func (f *Form) InitialState() State {
	return State{
		FormID:    f.ID,
		StepIndex: 1,
		StepID:    f.Steps[0].ID,
		StepCount: len(f.Steps),
		Answers:   f.Defaults.Clone(),
		Errors:    ErrorMap{},
		Touched:   map[string]bool{},
		Valid:     map[string]bool{},
	}
}

// FormOutline is a read-only outline of a form for listing endpoints.
type FormOutline struct {
	ID     string         `json:"id"`
	Title  string         `json:"title"`
	Steps  []StepOutline  `json:"steps"`
	Phases []PhaseOutline `json:"phases"`
}

// StepOutline summarises one step.
type StepOutline struct {
	Ordinal     int      `json:"ordinal"`
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Fields      []string `json:"fields"`
	Collections []string `json:"collections,omitempty"`
	Conditional bool     `json:"conditional"`
	Review      bool     `json:"review"`
}

// PhaseOutline summarises one submission phase.
type PhaseOutline struct {
	Name     string        `json:"name"`
	Message  string        `json:"message"`
	Progress int           `json:"progress"`
	Delay    time.Duration `json:"delay_ns"`
}

// Outline describes the form.
func (f *Form) Outline() FormOutline {
	d := FormOutline{ID: f.ID, Title: f.Title}
	for _, s := range f.Steps {
		o := StepOutline{
			Ordinal:     s.Ordinal,
			ID:          s.ID,
			Title:       s.Title,
			Conditional: s.Applicable != nil,
			Review:      s.Review,
		}
		for _, fl := range s.Fields {
			o.Fields = append(o.Fields, fl.Key)
		}
		for _, c := range s.Collections {
			o.Collections = append(o.Collections, c.Key)
		}
		d.Steps = append(d.Steps, o)
	}
	for _, p := range f.Phases {
		d.Phases = append(d.Phases, PhaseOutline{Name: p.Name, Message: p.Message, Progress: p.Progress, Delay: p.Delay})
	}
	return d
}
