package wizard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger used for transition and submission events.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithClock sets the clock that paces submission phase delays.
func WithClock(clock Clock) Option {
	return func(c *Controller) { c.pipeline.Clock = clock }
}

// WithPhaseTimeout caps the duration of each submission phase.
func WithPhaseTimeout(d time.Duration) Option {
	return func(c *Controller) { c.pipeline.PhaseTimeout = d }
}

// WithSubmitter sets the backend collaborator that accepts submissions.
func WithSubmitter(s Submitter) Option {
	return func(c *Controller) { c.pipeline.Submitter = s }
}

// WithDraftStore enables save-for-later under the given owner identifier.
func WithDraftStore(store DraftStore, owner string) Option {
	return func(c *Controller) {
		c.drafts = store
		c.owner = owner
	}
}

// NavResult reports where a navigation intent left the session.
type NavResult struct {
	StepIndex  int      `json:"stepIndex"`
	StepID     string   `json:"stepId"`
	Errors     ErrorMap `json:"errors"`
	FirstError string   `json:"firstError,omitempty"`
}

// AssistantContext is the read-only context offered to a help surface.
type AssistantContext struct {
	FormID   string `json:"formId"`
	StepID   string `json:"stepId"`
	FieldKey string `json:"fieldKey,omitempty"`
}

// Controller drives one wizard session. All intents are serialised; the
// submission pipeline runs on its own goroutine and only touches the state
// at phase boundaries while its generation is current.
type Controller struct {
	mu       sync.Mutex
	form     *Form
	state    State
	pipeline *Pipeline
	log      zerolog.Logger
	drafts   DraftStore
	owner    string

	nextItemID int
	generation uint64
	focus      string
	closed     bool

	changed chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	cancelRun context.CancelFunc
}

// NewController starts a session of form in its initial state.
func NewController(form *Form, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		form:     form,
		state:    form.InitialState(),
		pipeline: &Pipeline{Phases: form.Phases},
		log:      zerolog.Nop(),
		changed:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.nextItemID = maxItemID(c.state.Answers) + 1
	return c
}

// Form returns the definition the session runs.
func (c *Controller) Form() *Form { return c.form }

// Owner returns the identifier drafts are saved under.
func (c *Controller) Owner() string { return c.owner }

// State returns a deep copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// GoNext validates the current step and advances when it is clean. On
// failure the error map is replaced by the step's errors and the session
// stays put.
func (c *Controller) GoNext() (NavResult, error) {
	c.mu.Lock()
	defer c.unlockNotify()
	if err := c.mutable(); err != nil {
		return c.nav(), err
	}
	step := c.current()
	errs := step.Validate(c.state.Answers)
	if len(errs) > 0 {
		c.state.Errors = errs
		res := c.nav()
		res.FirstError = step.FirstError(errs, c.state.Answers)
		c.log.Debug().Str("form", c.form.ID).Str("step", step.ID).Int("errors", len(errs)).Msg("step gated")
		return res, ErrStepInvalid
	}
	c.state.Errors = ErrorMap{}
	next := c.nextApplicable(c.state.StepIndex)
	if next == 0 {
		return c.nav(), ErrNoNextStep
	}
	c.state.Transitioning = true
	c.moveTo(next)
	c.state.Transitioning = false
	c.log.Debug().Str("form", c.form.ID).Str("step", c.state.StepID).Msg("step advanced")
	return c.nav(), nil
}

// GoBack moves to the previous step without validating the one being left.
// Errors of the left step are kept; errors of the entered step are cleared.
func (c *Controller) GoBack() (NavResult, error) {
	c.mu.Lock()
	defer c.unlockNotify()
	if err := c.mutable(); err != nil {
		return c.nav(), err
	}
	prev := c.prevApplicable(c.state.StepIndex)
	if prev == 0 {
		return c.nav(), ErrNoPreviousStep
	}
	c.moveTo(prev)
	entered := c.form.Step(prev)
	for k := range c.state.Errors {
		if entered.Owns(k) {
			delete(c.state.Errors, k)
		}
	}
	return c.nav(), nil
}

// JumpToStep moves from a review step to step n once the review step itself
// validates. Intermediate steps are not re-validated.
func (c *Controller) JumpToStep(n int) (NavResult, error) {
	c.mu.Lock()
	defer c.unlockNotify()
	if err := c.mutable(); err != nil {
		return c.nav(), err
	}
	step := c.current()
	if !step.Review {
		return c.nav(), ErrNotReviewStep
	}
	target := c.form.Step(n)
	if target == nil {
		return c.nav(), fmt.Errorf("%w: %d", ErrStepOutOfRange, n)
	}
	if !target.IsApplicable(c.state.Answers) {
		return c.nav(), fmt.Errorf("%w: %s", ErrStepNotApplicable, target.ID)
	}
	if errs := step.Validate(c.state.Answers); len(errs) > 0 {
		c.state.Errors = errs
		res := c.nav()
		res.FirstError = step.FirstError(errs, c.state.Answers)
		return res, ErrStepInvalid
	}
	c.state.Errors = ErrorMap{}
	c.moveTo(n)
	return c.nav(), nil
}

// UpdateField writes a scalar answer. An existing error for the field is
// re-checked against the field's own rules and cleared once it passes.
func (c *Controller) UpdateField(key string, value any) error {
	c.mu.Lock()
	defer c.unlockNotify()
	if err := c.mutable(); err != nil {
		return err
	}
	if !c.form.IsField(key) {
		return fmt.Errorf("%w: %s", ErrUnknownField, key)
	}
	v, err := normalize(value)
	if err != nil {
		return err
	}
	c.state.Answers[key] = v
	c.state.Touched[key] = true
	ok := c.recheck(key)
	c.state.Valid[key] = ok && !isEmpty(v)
	return nil
}

// UpdateItemField writes one member field of a collection item.
func (c *Controller) UpdateItemField(collection string, itemID int, field, value string) error {
	c.mu.Lock()
	defer c.unlockNotify()
	if err := c.mutable(); err != nil {
		return err
	}
	def := c.form.Collection(collection)
	if def == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	if !def.hasField(field) {
		return fmt.Errorf("%w: %s.%s", ErrUnknownField, collection, field)
	}
	items := c.state.Answers.Items(collection)
	idx := indexOfItem(items, itemID)
	if idx < 0 {
		return fmt.Errorf("%w: %s/%d", ErrUnknownItem, collection, itemID)
	}
	items[idx].Fields[field] = value
	key := ItemKey(collection, itemID, field)
	c.state.Touched[key] = true
	ok := c.recheck(key)
	c.state.Valid[key] = ok && strings.TrimSpace(value) != ""
	c.recheck(collection)
	return nil
}

// AddCollectionItem appends an empty item. At the collection's maximum the
// call is a no-op and reports changed=false.
func (c *Controller) AddCollectionItem(collection string) (Item, bool, error) {
	c.mu.Lock()
	defer c.unlockNotify()
	if err := c.mutable(); err != nil {
		return Item{}, false, err
	}
	def := c.form.Collection(collection)
	if def == nil {
		return Item{}, false, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	items := c.state.Answers.Items(collection)
	if def.Max > 0 && len(items) >= def.Max {
		return Item{}, false, nil
	}
	it := Item{ID: c.nextItemID, Fields: make(map[string]string, len(def.Fields))}
	c.nextItemID++
	for _, f := range def.Fields {
		it.Fields[f.Key] = ""
	}
	if def.HasPrimary && !hasPrimary(items) {
		it.Primary = true
	}
	c.state.Answers[collection] = append(items, it)
	return cloneItems([]Item{it})[0], true, nil
}

// RemoveCollectionItem deletes an item. Removing below the collection's
// minimum is a no-op. When the primary item goes, the first remaining item
// becomes primary.
func (c *Controller) RemoveCollectionItem(collection string, itemID int) (bool, error) {
	c.mu.Lock()
	defer c.unlockNotify()
	if err := c.mutable(); err != nil {
		return false, err
	}
	def := c.form.Collection(collection)
	if def == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	items := c.state.Answers.Items(collection)
	idx := indexOfItem(items, itemID)
	if idx < 0 || len(items) <= def.Min {
		return false, nil
	}
	wasPrimary := items[idx].Primary
	out := make([]Item, 0, len(items)-1)
	out = append(out, items[:idx]...)
	out = append(out, items[idx+1:]...)
	if def.HasPrimary && wasPrimary && len(out) > 0 {
		out[0].Primary = true
	}
	c.state.Answers[collection] = out
	prefix := fmt.Sprintf("%s.%d.", collection, itemID)
	for _, m := range []map[string]bool{c.state.Touched, c.state.Valid} {
		for k := range m {
			if strings.HasPrefix(k, prefix) {
				delete(m, k)
			}
		}
	}
	for k := range c.state.Errors {
		if strings.HasPrefix(k, prefix) {
			delete(c.state.Errors, k)
		}
	}
	return true, nil
}

// SetPrimary marks exactly one item of the collection as primary.
func (c *Controller) SetPrimary(collection string, itemID int) (bool, error) {
	c.mu.Lock()
	defer c.unlockNotify()
	if err := c.mutable(); err != nil {
		return false, err
	}
	def := c.form.Collection(collection)
	if def == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	items := c.state.Answers.Items(collection)
	idx := indexOfItem(items, itemID)
	if !def.HasPrimary || idx < 0 {
		return false, nil
	}
	for i := range items {
		items[i].Primary = i == idx
	}
	return true, nil
}

// Focus records the field the user is working on for the assistant
// context. An empty key clears it.
func (c *Controller) Focus(key string) error {
	c.mu.Lock()
	defer c.unlockNotify()
	if c.closed {
		return ErrClosed
	}
	if key != "" && !c.form.knownKey(key) {
		return fmt.Errorf("%w: %s", ErrUnknownField, key)
	}
	c.focus = key
	return nil
}

// AssistantContext reports the current step and focused field.
func (c *Controller) AssistantContext() AssistantContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return AssistantContext{FormID: c.form.ID, StepID: c.state.StepID, FieldKey: c.focus}
}

// SaveDraft hands the full answer set to the draft store. It leaves the
// session untouched and may be repeated.
func (c *Controller) SaveDraft(ctx context.Context) error {
	c.mu.Lock()
	if err := c.mutable(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.drafts == nil {
		c.mu.Unlock()
		return ErrNoDraftStore
	}
	store := c.drafts
	key := DraftKey{Owner: c.owner, FormID: c.form.ID}
	d := Draft{StepIndex: c.state.StepIndex, Answers: c.state.Answers.Clone(), SavedAt: time.Now().UTC()}
	c.mu.Unlock()

	if err := store.SaveDraft(ctx, key, d); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	c.log.Debug().Str("form", c.form.ID).Str("owner", key.Owner).Int("step", d.StepIndex).Msg("draft saved")
	return nil
}

// LoadDraft replaces the session with the owner's saved draft. Keys the
// form no longer knows are dropped, collections are brought back within
// their size and primary rules, and the step is clamped to a valid one.
func (c *Controller) LoadDraft(ctx context.Context) error {
	c.mu.Lock()
	if err := c.mutable(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.drafts == nil {
		c.mu.Unlock()
		return ErrNoDraftStore
	}
	store := c.drafts
	key := DraftKey{Owner: c.owner, FormID: c.form.ID}
	gen := c.generation
	c.mu.Unlock()

	d, err := store.LoadDraft(ctx, key)
	if err != nil {
		return fmt.Errorf("load draft: %w", err)
	}
	if d == nil {
		return ErrDraftNotFound
	}

	c.mu.Lock()
	defer c.unlockNotify()
	if gen != c.generation {
		return ErrAborted
	}
	if err := c.mutable(); err != nil {
		return err
	}
	st := c.form.InitialState()
	for k, v := range d.Answers {
		def, ok := st.Answers[k]
		if !ok {
			continue
		}
		if _, isColl := def.([]Item); isColl {
			if items, ok := v.([]Item); ok {
				items = cloneItems(items)
				if coll := c.form.Collection(k); coll != nil {
					items = coll.repair(items)
				}
				st.Answers[k] = items
			}
			continue
		}
		if nv, err := normalize(v); err == nil {
			st.Answers[k] = nv
		}
	}
	idx := d.StepIndex
	if idx < 1 {
		idx = 1
	}
	if idx > c.form.StepCount() {
		idx = c.form.StepCount()
	}
	for idx > 1 && !c.form.Step(idx).IsApplicable(st.Answers) {
		idx--
	}
	st.StepIndex = idx
	st.StepID = c.form.Step(idx).ID
	c.state = st
	if next := maxItemID(st.Answers) + 1; next > c.nextItemID {
		c.nextItemID = next
	}
	return nil
}

// Submit hands a fully validated session to the submission pipeline. The
// returned handle resolves once the pipeline finishes. A call while another
// submission is in flight resolves at once with ErrSubmissionInProgress.
func (c *Controller) Submit() *Submission {
	c.mu.Lock()
	defer c.unlockNotify()
	switch {
	case c.closed:
		return resolvedSubmission(Result{StepIndex: c.state.StepIndex, Err: ErrClosed})
	case c.state.Submitting:
		return resolvedSubmission(Result{StepIndex: c.state.StepIndex, Err: ErrSubmissionInProgress})
	case c.state.Submitted:
		return resolvedSubmission(Result{StepIndex: c.state.StepIndex, Err: ErrSubmitted})
	case c.state.StepIndex != c.form.StepCount():
		return resolvedSubmission(Result{StepIndex: c.state.StepIndex, Err: ErrNotFinalStep})
	}
	for _, s := range c.form.Steps {
		if !s.IsApplicable(c.state.Answers) {
			continue
		}
		if errs := s.Validate(c.state.Answers); len(errs) > 0 {
			c.state.Errors = errs
			if s.Ordinal != c.state.StepIndex {
				c.moveTo(s.Ordinal)
			}
			return resolvedSubmission(Result{StepIndex: s.Ordinal, Errors: errs.Clone(), Err: ErrStepInvalid})
		}
	}

	c.state.Errors = ErrorMap{}
	c.state.Submitting = true
	c.state.Progress = 0
	c.state.StatusMessage = ""
	c.state.LastFailure = ""
	gen := c.generation
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelRun = cancel
	sub := newSubmission()
	go c.runSubmission(ctx, cancel, gen, c.state.Answers.Clone(), sub)
	return sub
}

func (c *Controller) runSubmission(ctx context.Context, cancel context.CancelFunc, gen uint64, answers Answers, sub *Submission) {
	defer cancel()
	apply := func(fn func(*State)) bool {
		c.mu.Lock()
		defer c.unlockNotify()
		if c.generation != gen {
			return false
		}
		fn(&c.state)
		return true
	}
	res := c.pipeline.run(ctx, c.form.ID, answers, apply)

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		c.log.Warn().Str("form", c.form.ID).Str("reference", res.Reference).Msg("submission discarded after session reset")
		res.Accepted = false
		res.Err = ErrAborted
		sub.finish(res)
		return
	}
	c.cancelRun = nil
	c.state.Submitting = false
	if res.Accepted {
		c.state.Submitted = true
		c.state.StepIndex = c.form.StepCount() + 1
		c.state.StepID = TerminalStepID
		c.state.Progress = 100
		c.state.Confirmation = res.Reference
	} else {
		c.state.Progress = 0
		c.state.StatusMessage = ""
		c.state.LastFailure = res.Err.Error()
	}
	res.StepIndex = c.state.StepIndex
	c.unlockNotify()

	if res.Accepted {
		c.log.Info().Str("form", c.form.ID).Str("reference", res.Reference).Msg("submission accepted")
	} else {
		c.log.Warn().Err(res.Err).Str("form", c.form.ID).Str("phase", res.Phase).Msg("submission failed")
	}
	sub.finish(res)
}

// ResetAll replaces the session with a fresh default state. Any submission
// in flight is aborted and will not touch the new state.
func (c *Controller) ResetAll() error {
	c.mu.Lock()
	defer c.unlockNotify()
	if c.closed {
		return ErrClosed
	}
	c.abortRun()
	c.state = c.form.InitialState()
	c.focus = ""
	return nil
}

// Close ends the session. In-flight submissions are aborted and every later
// intent fails with ErrClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.unlockNotify()
	if c.closed {
		return
	}
	c.closed = true
	c.abortRun()
	c.cancel()
}

// Changes returns a channel that is closed at the next intent or
// submission phase. Read it before State to observe every change.
func (c *Controller) Changes() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

func (c *Controller) unlockNotify() {
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

// Closed reports whether Close has been called.
func (c *Controller) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) abortRun() {
	c.generation++
	if c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
	}
}

func (c *Controller) mutable() error {
	switch {
	case c.closed:
		return ErrClosed
	case c.state.Submitting:
		return ErrSubmitting
	case c.state.Submitted:
		return ErrSubmitted
	}
	return nil
}

func (c *Controller) current() *Step {
	return c.form.Step(c.state.StepIndex)
}

func (c *Controller) moveTo(n int) {
	c.state.StepIndex = n
	c.state.StepID = c.form.Step(n).ID
}

func (c *Controller) nav() NavResult {
	return NavResult{StepIndex: c.state.StepIndex, StepID: c.state.StepID, Errors: c.state.Errors.Clone()}
}

func (c *Controller) nextApplicable(from int) int {
	for i := from + 1; i <= c.form.StepCount(); i++ {
		if c.form.Step(i).IsApplicable(c.state.Answers) {
			return i
		}
	}
	return 0
}

func (c *Controller) prevApplicable(from int) int {
	for i := from - 1; i >= 1; i-- {
		if c.form.Step(i).IsApplicable(c.state.Answers) {
			return i
		}
	}
	return 0
}

// recheck re-runs the rules that read key and reports whether they pass. An
// existing error for key is cleared on success and refreshed on failure; no
// error is added where none was shown. When the current step owns key only
// its rules apply, so the message matches what that step reports.
func (c *Controller) recheck(key string) bool {
	msg, ok := "", true
	steps := c.form.Steps
	if cur := c.current(); cur != nil && cur.Owns(key) {
		steps = []*Step{cur}
	}
	for _, s := range steps {
		if !s.Owns(key) || !s.IsApplicable(c.state.Answers) {
			continue
		}
		if m, pass := s.ValidateField(key, c.state.Answers); !pass {
			msg, ok = m, false
			break
		}
	}
	if _, had := c.state.Errors[key]; had {
		if ok {
			delete(c.state.Errors, key)
		} else {
			c.state.Errors[key] = msg
		}
	}
	return ok
}

func indexOfItem(items []Item, id int) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func hasPrimary(items []Item) bool {
	for _, it := range items {
		if it.Primary {
			return true
		}
	}
	return false
}

func maxItemID(a Answers) int {
	top := 0
	for _, v := range a {
		items, ok := v.([]Item)
		if !ok {
			continue
		}
		for _, it := range items {
			if it.ID > top {
				top = it.ID
			}
		}
	}
	return top
}

// IsGatingError reports whether err is a validation refusal rather than a
// state or wiring problem.
func IsGatingError(err error) bool {
	return errors.Is(err, ErrStepInvalid)
}
