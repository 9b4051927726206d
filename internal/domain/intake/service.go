package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/backoffice/internal/wizard"
)

var (
	ErrUnknownForm     = errors.New("unknown form")
	ErrSessionNotFound = errors.New("session not found")
	ErrOwnerRequired   = errors.New("owner is required")
)

// TxFunc runs fn inside a transaction carried by the context it is given.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func noTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// Session is one live wizard session owned by an authenticated user.
type Session struct {
	ID     uuid.UUID
	FormID string
	Owner  string

	ctrl     *wizard.Controller
	lastSeen time.Time
}

func (s *Session) Controller() *wizard.Controller { return s.ctrl }

// View snapshots the session for the API.
func (s *Session) View() SessionView {
	return SessionView{ID: s.ID, FormID: s.FormID, State: s.ctrl.State(), Assistant: s.ctrl.AssistantContext()}
}

// Snapshot implements websocket.Feed. The change channel is taken before the
// view so no change between the two is missed.
func (s *Session) Snapshot() (any, <-chan struct{}, bool) {
	changed := s.ctrl.Changes()
	view := s.View()
	return view, changed, view.State.Submitted || s.ctrl.Closed()
}

type ServiceOption func(*Service)

// WithIdleTimeout closes sessions untouched for longer than d. Zero keeps
// them until closed.
func WithIdleTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.idle = d }
}

func WithPhaseTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.phaseTimeout = d }
}

func WithClock(c wizard.Clock) ServiceOption {
	return func(s *Service) { s.clock = c }
}

func WithNow(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithTx(fn TxFunc) ServiceOption {
	return func(s *Service) { s.inTx = fn }
}

func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.log = l }
}

type Service struct {
	forms  *Registry
	drafts DraftRepository
	subs   SubmissionRepository

	idle         time.Duration
	phaseTimeout time.Duration
	clock        wizard.Clock
	now          func() time.Time
	inTx         TxFunc
	log          zerolog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

func NewService(forms *Registry, drafts DraftRepository, subs SubmissionRepository, opts ...ServiceOption) *Service {
	s := &Service{
		forms:    forms,
		drafts:   drafts,
		subs:     subs,
		now:      time.Now,
		inTx:     noTx,
		log:      zerolog.Nop(),
		sessions: make(map[uuid.UUID]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Forms() *Registry { return s.forms }

// Start opens a session of formID for owner. With resume the owner's saved
// draft is loaded; a missing draft starts fresh.
func (s *Service) Start(ctx context.Context, formID, owner string, resume bool) (*Session, error) {
	if owner == "" {
		return nil, ErrOwnerRequired
	}
	reg, ok := s.forms.Get(formID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownForm, formID)
	}

	opts := []wizard.Option{
		wizard.WithLogger(s.log.With().Str("form", formID).Str("owner", owner).Logger()),
		wizard.WithDraftStore(draftStore{repo: s.drafts}, owner),
		wizard.WithSubmitter(s.submitter(owner, reg.Prefix)),
	}
	if s.clock != nil {
		opts = append(opts, wizard.WithClock(s.clock))
	}
	if s.phaseTimeout > 0 {
		opts = append(opts, wizard.WithPhaseTimeout(s.phaseTimeout))
	}
	ctrl := wizard.NewController(reg.Form, opts...)

	if resume {
		if err := ctrl.LoadDraft(ctx); err != nil && !errors.Is(err, wizard.ErrDraftNotFound) {
			ctrl.Close()
			return nil, err
		}
	}

	sess := &Session{ID: uuid.New(), FormID: formID, Owner: owner, ctrl: ctrl, lastSeen: s.now()}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.log.Info().Str("session", sess.ID.String()).Str("form", formID).Str("owner", owner).Bool("resume", resume).Msg("session started")
	return sess, nil
}

// Session returns owner's session id and marks it as seen. Sessions of
// other owners are reported as not found.
func (s *Service) Session(id uuid.UUID, owner string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Owner != owner {
		return nil, ErrSessionNotFound
	}
	sess.lastSeen = s.now()
	return sess, nil
}

// Close aborts any in-flight submission and forgets the session.
func (s *Service) Close(id uuid.UUID, owner string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok || sess.Owner != owner {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	s.mu.Unlock()

	sess.ctrl.Close()
	s.log.Info().Str("session", id.String()).Msg("session closed")
	return nil
}

// Reap closes sessions idle since before now minus the idle timeout and
// returns how many were closed.
func (s *Service) Reap(now time.Time) int {
	if s.idle <= 0 {
		return 0
	}
	cutoff := now.Add(-s.idle)
	var stale []*Session
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.lastSeen.Before(cutoff) {
			stale = append(stale, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range stale {
		sess.ctrl.Close()
		s.log.Info().Str("session", sess.ID.String()).Str("owner", sess.Owner).Msg("idle session reaped")
	}
	return len(stale)
}

// RunReaper calls Reap every interval until ctx is done.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) {
	if s.idle <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap(s.now())
		}
	}
}

// Shutdown closes every live session.
func (s *Service) Shutdown() {
	s.mu.Lock()
	all := s.sessions
	s.sessions = make(map[uuid.UUID]*Session)
	s.mu.Unlock()
	for _, sess := range all {
		sess.ctrl.Close()
	}
}

// Len reports the number of live sessions.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) ListDrafts(ctx context.Context, owner string, limit, offset int) ([]*DraftRecord, int, error) {
	return s.drafts.ListByUser(ctx, owner, limit, offset)
}

func (s *Service) GetSubmission(ctx context.Context, ref string) (*Submission, error) {
	if ref == "" {
		return nil, fmt.Errorf("reference is required")
	}
	return s.subs.GetByReference(ctx, ref)
}

// submitter records an accepted submission and drops the owner's draft in
// one transaction.
func (s *Service) submitter(owner, prefix string) wizard.Submitter {
	return wizard.SubmitterFunc(func(ctx context.Context, formID string, answers wizard.Answers) (string, error) {
		sub := &Submission{
			ID:          uuid.New(),
			FormID:      formID,
			UserID:      owner,
			Answers:     answers,
			SubmittedAt: s.now().UTC(),
		}
		sub.Reference = reference(prefix, sub.SubmittedAt, sub.ID)

		err := s.inTx(ctx, func(ctx context.Context) error {
			if err := s.subs.Create(ctx, sub); err != nil {
				return fmt.Errorf("create submission: %w", err)
			}
			if err := s.drafts.Delete(ctx, owner, formID); err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("delete draft: %w", err)
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		s.log.Info().Str("form", formID).Str("owner", owner).Str("reference", sub.Reference).Msg("submission recorded")
		return sub.Reference, nil
	})
}

// draftStore persists wizard drafts in the draft repository.
type draftStore struct{ repo DraftRepository }

func (d draftStore) SaveDraft(ctx context.Context, key wizard.DraftKey, dr wizard.Draft) error {
	return d.repo.Upsert(ctx, &DraftRecord{
		UserID:    key.Owner,
		FormID:    key.FormID,
		StepIndex: dr.StepIndex,
		Answers:   dr.Answers,
		UpdatedAt: dr.SavedAt,
	})
}

func (d draftStore) LoadDraft(ctx context.Context, key wizard.DraftKey) (*wizard.Draft, error) {
	rec, err := d.repo.Get(ctx, key.Owner, key.FormID)
	if errors.Is(err, ErrNotFound) {
		return nil, wizard.ErrDraftNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wizard.Draft{StepIndex: rec.StepIndex, Answers: rec.Answers, SavedAt: rec.UpdatedAt}, nil
}
