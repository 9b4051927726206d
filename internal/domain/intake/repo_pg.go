package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/backoffice/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Draft Repository ===========

type draftRepoPG struct{ pool *pgxpool.Pool }

func NewDraftRepoPG(pool *pgxpool.Pool) DraftRepository { return &draftRepoPG{pool: pool} }

func (r *draftRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const draftCols = `user_id, form_id, step_index, answers, updated_at`

func (r *draftRepoPG) scanDraft(row pgx.Row) (*DraftRecord, error) {
	var d DraftRecord
	var raw []byte
	if err := row.Scan(&d.UserID, &d.FormID, &d.StepIndex, &raw, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &d.Answers); err != nil {
		return nil, fmt.Errorf("decode draft answers: %w", err)
	}
	return &d, nil
}

func (r *draftRepoPG) Upsert(ctx context.Context, d *DraftRecord) error {
	raw, err := json.Marshal(d.Answers)
	if err != nil {
		return fmt.Errorf("encode draft answers: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO form_drafts (user_id, form_id, step_index, answers, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, form_id) DO UPDATE
		SET step_index = EXCLUDED.step_index, answers = EXCLUDED.answers, updated_at = EXCLUDED.updated_at`,
		d.UserID, d.FormID, d.StepIndex, raw, d.UpdatedAt)
	return err
}

func (r *draftRepoPG) Get(ctx context.Context, userID, formID string) (*DraftRecord, error) {
	d, err := r.scanDraft(r.conn(ctx).QueryRow(ctx,
		`SELECT `+draftCols+` FROM form_drafts WHERE user_id = $1 AND form_id = $2`, userID, formID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (r *draftRepoPG) Delete(ctx context.Context, userID, formID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM form_drafts WHERE user_id = $1 AND form_id = $2`, userID, formID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *draftRepoPG) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*DraftRecord, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM form_drafts WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+draftCols+` FROM form_drafts WHERE user_id = $1
		ORDER BY updated_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*DraftRecord
	for rows.Next() {
		d, err := r.scanDraft(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

// =========== Submission Repository ===========

type submissionRepoPG struct{ pool *pgxpool.Pool }

func NewSubmissionRepoPG(pool *pgxpool.Pool) SubmissionRepository {
	return &submissionRepoPG{pool: pool}
}

func (r *submissionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *submissionRepoPG) Create(ctx context.Context, s *Submission) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	raw, err := json.Marshal(s.Answers)
	if err != nil {
		return fmt.Errorf("encode submission answers: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO form_submissions (id, reference, form_id, user_id, answers, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.Reference, s.FormID, s.UserID, raw, s.SubmittedAt)
	return err
}

func (r *submissionRepoPG) GetByReference(ctx context.Context, ref string) (*Submission, error) {
	var s Submission
	var raw []byte
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, reference, form_id, user_id, answers, submitted_at
		FROM form_submissions WHERE reference = $1`, ref).
		Scan(&s.ID, &s.Reference, &s.FormID, &s.UserID, &raw, &s.SubmittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &s.Answers); err != nil {
		return nil, fmt.Errorf("decode submission answers: %w", err)
	}
	return &s, nil
}
