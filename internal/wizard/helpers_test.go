package wizard

import (
	"context"
	"sync"
	"testing"
	"time"
)

// -- Fixtures --

// sampleForm is a five step form: contact, pet, extras (only when
// wantsExtras is true), codes (collection of 1..3 with primary) and review.
func sampleForm(t testing.TB, phases ...Phase) *Form {
	t.Helper()
	f, err := New("sample", "Sample intake", Answers{
		"name":        "",
		"zip":         "",
		"phone":       "",
		"email":       "",
		"hasPet":      "",
		"petName":     "",
		"wantsExtras": false,
		"extraNote":   "",
		"codes":       []Item{},
		"confirm":     false,
	}, phases,
		&Step{
			ID:    "contact",
			Title: "Contact",
			Fields: []Field{
				{Key: "name", Validators: []Validator{Required("Name is required")}},
				{Key: "zip", Validators: []Validator{Pattern(ZIPPattern, "ZIP code is invalid")}},
				{Key: "phone"},
				{Key: "email", Validators: []Validator{Email("Email is invalid")}},
			},
			Groups: []Group{{Keys: []string{"phone", "email"}, Mode: AtLeastOne, Message: "Phone or email is required"}},
		},
		&Step{
			ID:    "pet",
			Title: "Pet",
			Fields: []Field{
				{Key: "hasPet", Validators: []Validator{Required("Answer is required"), OneOf([]string{"yes", "no"}, "Answer yes or no")}},
				{Key: "petName", Validators: []Validator{RequiredIf("hasPet", "yes", "Pet name is required")}},
				{Key: "wantsExtras"},
			},
		},
		&Step{
			ID:         "extras",
			Title:      "Extras",
			Applicable: func(a Answers) bool { return a["wantsExtras"] == true },
			Fields:     []Field{{Key: "extraNote", Validators: []Validator{Required("Note is required")}}},
		},
		&Step{
			ID:    "codes",
			Title: "Codes",
			Collections: []*Collection{{
				Key:          "codes",
				Min:          1,
				Max:          3,
				HasPrimary:   true,
				EmptyMessage: "Add at least one code",
				Fields:       []Field{{Key: "code", Validators: []Validator{Required("Code is required")}}},
			}},
		},
		&Step{
			ID:     "review",
			Title:  "Review",
			Review: true,
			Fields: []Field{{Key: "confirm", Validators: []Validator{Checked("Please confirm")}}},
		},
	)
	if err != nil {
		t.Fatalf("sample form: %v", err)
	}
	return f
}

// fillToReview answers every step and leaves c on the review step.
func fillToReview(t *testing.T, c *Controller) {
	t.Helper()
	must(t, c.UpdateField("name", "Ada Lovelace"))
	must(t, c.UpdateField("phone", "555-0100"))
	next(t, c)
	must(t, c.UpdateField("hasPet", "no"))
	next(t, c)
	it, ok, err := c.AddCollectionItem("codes")
	if err != nil || !ok {
		t.Fatalf("add item: ok=%v err=%v", ok, err)
	}
	must(t, c.UpdateItemField("codes", it.ID, "code", "A1"))
	next(t, c)
	if got := c.State().StepID; got != "review" {
		t.Fatalf("expected review step, got %s", got)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func next(t *testing.T, c *Controller) NavResult {
	t.Helper()
	res, err := c.GoNext()
	if err != nil {
		t.Fatalf("GoNext from step %d: %v (errors %v)", res.StepIndex, err, res.Errors)
	}
	return res
}

func wait(t *testing.T, s *Submission) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("submission did not resolve: %v", err)
	}
	return res
}

// -- Clocks --

// instantClock skips every phase delay.
type instantClock struct{}

func (instantClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// gateClock parks every phase delay until the test releases it.
type gateClock struct {
	entered chan time.Duration
	release chan struct{}
}

func newGateClock() *gateClock {
	return &gateClock{entered: make(chan time.Duration), release: make(chan struct{})}
}

func (g *gateClock) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case g.entered <- d:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// step lets one parked phase continue.
func (g *gateClock) step(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("no phase reached its delay")
	}
	g.release <- struct{}{}
}

// -- Draft store --

type memoryDraftStore struct {
	mu     sync.Mutex
	drafts map[DraftKey]Draft
	saves  int
}

func newMemoryDraftStore() *memoryDraftStore {
	return &memoryDraftStore{drafts: make(map[DraftKey]Draft)}
}

func (m *memoryDraftStore) SaveDraft(_ context.Context, key DraftKey, d Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.Answers = d.Answers.Clone()
	m.drafts[key] = d
	m.saves++
	return nil
}

func (m *memoryDraftStore) LoadDraft(_ context.Context, key DraftKey) (*Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[key]
	if !ok {
		return nil, ErrDraftNotFound
	}
	d.Answers = d.Answers.Clone()
	return &d, nil
}
