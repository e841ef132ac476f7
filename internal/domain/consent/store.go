package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the grant store: creation, lookups honoring derived expiry, and
// atomic state transitions.
type Store struct {
	repo       GrantRepository
	logger     zerolog.Logger
	pendingTTL time.Duration
	now        func() time.Time
	requests   pairLocks
}

func NewStore(repo GrantRepository, pendingTTL time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		repo:       repo,
		logger:     logger.With().Str("component", "grant_store").Logger(),
		pendingTTL: pendingTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) PendingTTL() time.Duration {
	return s.pendingTTL
}

// Create stores a new PENDING grant. ID and timestamps are assigned here.
func (s *Store) Create(ctx context.Context, g *Grant) error {
	if g.SubjectID == uuid.Nil || g.OrganizationID == uuid.Nil || g.PractitionerID == uuid.Nil {
		return &ValidationError{Message: "subject, organization and practitioner are required"}
	}
	if g.AccessScope.Empty() {
		return &ValidationError{Field: "accessScope", Message: "no capability requested"}
	}
	if g.TimeWindowHours <= 0 {
		return &ValidationError{Field: "timeWindowHours", Message: "must be positive"}
	}
	now := s.now()
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	g.Status = StatusPending
	g.CreatedAt = now
	g.UpdatedAt = now
	g.GrantedAt, g.DeniedAt, g.RevokedAt, g.ExpiresAt = nil, nil, nil, nil
	if err := s.repo.Create(ctx, g); err != nil {
		return fmt.Errorf("create grant: %w", err)
	}
	return nil
}

// CreateRequest creates g unless an open request already exists for its
// subject and organization, returning ErrRequestPending in that case.
// Run it inside the transaction that carries the rest of the request so
// the pair stays locked until commit.
func (s *Store) CreateRequest(ctx context.Context, g *Grant) error {
	unlock := s.requests.lock(requestLockKey(g.SubjectID, g.OrganizationID))
	defer unlock()

	if err := s.repo.LockRequests(ctx, g.SubjectID, g.OrganizationID); err != nil {
		return err
	}
	open, err := s.HasOpenRequest(ctx, g.SubjectID, g.OrganizationID)
	if err != nil {
		return err
	}
	if open {
		return ErrRequestPending
	}
	return s.Create(ctx, g)
}

func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*Grant, error) {
	return s.repo.GetByID(ctx, id)
}

// FindActiveFor returns the effectively active grant for the pair, or
// ErrNotFound. Grants whose stored status is ACTIVE but whose window has
// elapsed are skipped. If several qualify the most recently granted wins.
func (s *Store) FindActiveFor(ctx context.Context, subjectID, orgID uuid.UUID) (*Grant, error) {
	return s.FindActiveAt(ctx, subjectID, orgID, s.now())
}

// FindActiveAt is FindActiveFor evaluated at now, for callers that make
// further time-dependent checks on the result.
func (s *Store) FindActiveAt(ctx context.Context, subjectID, orgID uuid.UUID, now time.Time) (*Grant, error) {
	candidates, err := s.repo.ListForSubjectOrg(ctx, subjectID, orgID, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("find active grant: %w", err)
	}
	var best *Grant
	for _, g := range candidates {
		if !g.IsEffectivelyActive(now) {
			continue
		}
		if best == nil || (g.GrantedAt != nil && best.GrantedAt != nil && g.GrantedAt.After(*best.GrantedAt)) {
			best = g
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// FindPendingFor lists the subject's PENDING grants that can still be
// decided, newest first.
func (s *Store) FindPendingFor(ctx context.Context, subjectID uuid.UUID) ([]*Grant, error) {
	grants, err := s.repo.ListForSubject(ctx, subjectID, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("find pending grants: %w", err)
	}
	now := s.now()
	out := grants[:0]
	for _, g := range grants {
		if !g.RequestExpired(now, s.pendingTTL) {
			out = append(out, g)
		}
	}
	return out, nil
}

// HasOpenRequest reports whether an undecided, unexpired request exists for
// the subject and organization.
func (s *Store) HasOpenRequest(ctx context.Context, subjectID, orgID uuid.UUID) (bool, error) {
	grants, err := s.repo.ListForSubjectOrg(ctx, subjectID, orgID, StatusPending)
	if err != nil {
		return false, fmt.Errorf("find pending grants: %w", err)
	}
	now := s.now()
	for _, g := range grants {
		if !g.RequestExpired(now, s.pendingTTL) {
			return true, nil
		}
	}
	return false, nil
}

// Transition applies action to the grant and persists the result with a
// compare-and-set on the status it was read with. Exactly one of several
// concurrent transitions of the same grant succeeds; the others get
// ErrConflict or an InvalidTransitionError.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, action Action, actorID, reason string) (*Grant, error) {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if cur.RequestExpired(now, s.pendingTTL) {
		return nil, ErrExpired
	}
	next, err := Apply(cur, action, actorID, reason, now)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateIfStatus(ctx, next, cur.Status); err != nil {
		if errors.Is(err, ErrConflict) {
			s.logger.Warn().Str("grant_id", id.String()).Str("action", string(action)).Msg("lost grant transition race")
		}
		return nil, err
	}
	s.logger.Info().
		Str("grant_id", id.String()).
		Str("subject_id", next.SubjectID.String()).
		Str("from", string(cur.Status)).
		Str("status", string(next.Status)).
		Msg("grant transitioned")
	return next, nil
}
