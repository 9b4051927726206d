//go:build integration

package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/backoffice/internal/platform/db"
	"github.com/ehr/backoffice/internal/wizard"
)

func uniqueUser() string { return "it-" + uuid.NewString() }

func TestDraftRepoPG_UpsertGetListDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewDraftRepoPG(testPool)
	user := uniqueUser()
	at := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

	d := &DraftRecord{
		UserID:    user,
		FormID:    "claims",
		StepIndex: 3,
		Answers: wizard.Answers{
			"providerId":  "1234567890",
			"attestation": false,
			"diagnosisCodes": []wizard.Item{
				{ID: 1, Primary: true, Fields: map[string]string{"code": "E11.9"}},
			},
		},
		UpdatedAt: at,
	}
	if err := repo.Upsert(ctx, d); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	d.StepIndex = 4
	d.UpdatedAt = at.Add(time.Minute)
	if err := repo.Upsert(ctx, d); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := repo.Get(ctx, user, "claims")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.StepIndex != 4 || got.Answers.Text("providerId") != "1234567890" {
		t.Errorf("unexpected draft %+v", got)
	}
	items := got.Answers.Items("diagnosisCodes")
	if len(items) != 1 || !items[0].Primary || items[0].Fields["code"] != "E11.9" {
		t.Errorf("collection items should round-trip, got %+v", items)
	}

	if err := repo.Upsert(ctx, &DraftRecord{UserID: user, FormID: "screening", StepIndex: 1,
		Answers: wizard.Answers{}, UpdatedAt: at.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	list, total, err := repo.ListByUser(ctx, user, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(list) != 2 || list[0].FormID != "screening" {
		t.Errorf("expected newest first out of 2, got total=%d %+v", total, list)
	}

	if err := repo.Delete(ctx, user, "claims"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.Get(ctx, user, "claims"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := repo.Delete(ctx, user, "claims"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete should be ErrNotFound, got %v", err)
	}
}

func TestSubmissionRepoPG_CreateAndLookup(t *testing.T) {
	ctx := context.Background()
	repo := NewSubmissionRepoPG(testPool)
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := uuid.New()

	s := &Submission{
		ID:          id,
		Reference:   reference("ELG", now, id),
		FormID:      "eligibility",
		UserID:      uniqueUser(),
		Answers:     wizard.Answers{"memberId": "W123"},
		SubmittedAt: now,
	}
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := repo.GetByReference(ctx, s.Reference)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != id || got.Answers.Text("memberId") != "W123" || !got.SubmittedAt.Equal(now) {
		t.Errorf("unexpected submission %+v", got)
	}
	if _, err := repo.GetByReference(ctx, "ELG-19700101-00000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := repo.Create(ctx, s); err == nil {
		t.Error("duplicate reference must be rejected")
	}
}

func TestTxRunner_RollsBackSubmission(t *testing.T) {
	ctx := context.Background()
	drafts := NewDraftRepoPG(testPool)
	subs := NewSubmissionRepoPG(testPool)
	user := uniqueUser()
	id := uuid.New()
	ref := reference("CLM", time.Now(), id)

	if err := drafts.Upsert(ctx, &DraftRecord{UserID: user, FormID: "claims", StepIndex: 5,
		Answers: wizard.Answers{}, UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := db.TxRunner(testPool)(ctx, func(ctx context.Context) error {
		if err := subs.Create(ctx, &Submission{ID: id, Reference: ref, FormID: "claims", UserID: user,
			Answers: wizard.Answers{}, SubmittedAt: time.Now()}); err != nil {
			return err
		}
		if err := drafts.Delete(ctx, user, "claims"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := subs.GetByReference(ctx, ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("submission should be rolled back, got %v", err)
	}
	if _, err := drafts.Get(ctx, user, "claims"); err != nil {
		t.Errorf("draft should survive the rollback: %v", err)
	}
}

func TestMigrator_StatusAfterUp(t *testing.T) {
	ctx := context.Background()
	statuses, err := db.NewMigrator(testPool, db.Migrations(), "public").Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) == 0 {
		t.Fatal("expected embedded migrations")
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("migration %d should be applied", s.Version)
		}
	}
}
