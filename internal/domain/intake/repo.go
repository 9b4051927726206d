package intake

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

type DraftRepository interface {
	// Upsert stores one draft per user and form, replacing any earlier save.
	Upsert(ctx context.Context, d *DraftRecord) error
	Get(ctx context.Context, userID, formID string) (*DraftRecord, error)
	Delete(ctx context.Context, userID, formID string) error
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*DraftRecord, int, error)
}

type SubmissionRepository interface {
	Create(ctx context.Context, s *Submission) error
	GetByReference(ctx context.Context, ref string) (*Submission, error)
}
