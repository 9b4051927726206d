package intake

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/backoffice/internal/wizard"
)

// DraftRecord maps to the form_drafts table.
type DraftRecord struct {
	UserID    string         `json:"user_id"`
	FormID    string         `json:"form_id"`
	StepIndex int            `json:"step_index"`
	Answers   wizard.Answers `json:"answers"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Submission maps to the form_submissions table.
type Submission struct {
	ID          uuid.UUID      `json:"id"`
	Reference   string         `json:"reference"`
	FormID      string         `json:"form_id"`
	UserID      string         `json:"user_id"`
	Answers     wizard.Answers `json:"answers"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// SessionView is the API representation of a live session.
type SessionView struct {
	ID        uuid.UUID               `json:"id"`
	FormID    string                  `json:"form_id"`
	State     wizard.State            `json:"state"`
	Assistant wizard.AssistantContext `json:"assistant"`
}

// reference builds a confirmation reference like CLM-20261014-1A2B3C4D.
func reference(prefix string, at time.Time, id uuid.UUID) string {
	hex := strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
	return fmt.Sprintf("%s-%s-%s", prefix, at.UTC().Format("20060102"), hex[:8])
}
