package wizard

import (
	"context"
	"time"
)

// DraftKey identifies a saved draft: one per owner and form.
type DraftKey struct {
	Owner  string
	FormID string
}

// Draft is a save-for-later snapshot of a session.
type Draft struct {
	StepIndex int       `json:"stepIndex"`
	Answers   Answers   `json:"answers"`
	SavedAt   time.Time `json:"savedAt"`
}

// DraftStore persists drafts. Saving the same key twice overwrites: saving
// is idempotent and never consumes the session.
type DraftStore interface {
	SaveDraft(ctx context.Context, key DraftKey, d Draft) error
	// LoadDraft returns ErrDraftNotFound when nothing was saved for key.
	LoadDraft(ctx context.Context, key DraftKey) (*Draft, error)
}
