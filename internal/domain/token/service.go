package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consent/internal/platform/metrics"
)

// IssueRequest describes a token to issue. ExpiresAt, when set, wins over
// TTL so that access tokens can end exactly when their grant does.
type IssueRequest struct {
	GrantID        uuid.UUID
	SubjectID      uuid.UUID
	OrganizationID uuid.UUID
	Type           Type
	TTL            time.Duration
	ExpiresAt      *time.Time
	Metadata       map[string]any
}

type Service struct {
	repo    Repository
	logger  zerolog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

func NewService(repo Repository, rec *metrics.Recorder, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		logger:  logger.With().Str("component", "token_service").Logger(),
		metrics: rec,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Token, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, req.Type)
	}
	if req.GrantID == uuid.Nil {
		return nil, errors.New("token: grant id is required")
	}
	now := s.now()
	expires := now.Add(req.TTL)
	if req.ExpiresAt != nil {
		expires = *req.ExpiresAt
	}
	if !expires.After(now) {
		return nil, errors.New("token: expiry must be in the future")
	}
	value, err := NewValue()
	if err != nil {
		return nil, err
	}
	t := &Token{
		Value:          value,
		GrantID:        req.GrantID,
		SubjectID:      req.SubjectID,
		OrganizationID: req.OrganizationID,
		Type:           req.Type,
		CreatedAt:      now,
		ExpiresAt:      expires,
		Metadata:       req.Metadata,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}
	s.metrics.TokenOp("issued", 1)
	s.logger.Info().
		Str("grant_id", t.GrantID.String()).
		Str("type", string(t.Type)).
		Time("expires_at", t.ExpiresAt).
		Msg("token issued")
	return t, nil
}

// Validate returns the token if it is valid. Otherwise the error is
// ErrNotFound, ErrRevoked or ErrExpired. An expired token that was not yet
// revoked is revoked by the system before ErrExpired is returned, so a
// second validation reports ErrRevoked.
func (s *Service) Validate(ctx context.Context, value string) (*Token, error) {
	t, err := s.repo.Get(ctx, value)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.metrics.TokenValidation("not_found")
		}
		return nil, err
	}
	now := s.now()
	switch {
	case t.IsRevoked:
		s.metrics.TokenValidation("revoked")
		return t, ErrRevoked
	case t.IsExpired(now):
		if _, err := s.repo.Revoke(ctx, value, Revocation{By: SystemActor, Reason: "expired", At: now}); err != nil {
			s.logger.Warn().Err(err).Str("grant_id", t.GrantID.String()).Msg("failed to revoke expired token")
		}
		s.metrics.TokenValidation("expired")
		return t, ErrExpired
	}
	s.metrics.TokenValidation("valid")
	return t, nil
}

// Get loads a token without validating it.
func (s *Service) Get(ctx context.Context, value string) (*Token, error) {
	return s.repo.Get(ctx, value)
}

// Revoke revokes one token. It returns 0 without error when the token was
// already revoked.
func (s *Service) Revoke(ctx context.Context, value, actor, reason string) (int, error) {
	if _, err := s.repo.Get(ctx, value); err != nil {
		return 0, err
	}
	ok, err := s.repo.Revoke(ctx, value, Revocation{By: actor, Reason: reason, At: s.now()})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	s.metrics.TokenOp("revoked", 1)
	return 1, nil
}

func (s *Service) RevokeAllForGrant(ctx context.Context, grantID uuid.UUID, actor, reason string) (int, error) {
	n, err := s.repo.RevokeByGrant(ctx, grantID, Revocation{By: actor, Reason: reason, At: s.now()})
	if err != nil {
		return 0, err
	}
	s.metrics.TokenOp("revoked", n)
	if n > 0 {
		s.logger.Info().Str("grant_id", grantID.String()).Int("count", n).Msg("tokens revoked for grant")
	}
	return n, nil
}

func (s *Service) RevokeAllForSubject(ctx context.Context, subjectID uuid.UUID, actor, reason string) (int, error) {
	n, err := s.repo.RevokeBySubject(ctx, subjectID, Revocation{By: actor, Reason: reason, At: s.now()})
	if err != nil {
		return 0, err
	}
	s.metrics.TokenOp("revoked", n)
	if n > 0 {
		s.logger.Info().Str("subject_id", subjectID.String()).Int("count", n).Msg("tokens revoked for subject")
	}
	return n, nil
}

// CleanupExpired deletes tokens past expiry that were never revoked.
// Revoked tokens are kept as audit history.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	s.metrics.TokenOp("deleted", n)
	s.logger.Info().Int("count", n).Msg("expired tokens cleaned up")
	return n, nil
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.repo.Stats(ctx, s.now())
}

// FindValidForGrant returns a currently valid token of typ for the grant,
// or ErrNotFound.
func (s *Service) FindValidForGrant(ctx context.Context, grantID uuid.UUID, typ Type) (*Token, error) {
	return s.repo.FindValid(ctx, grantID, typ, s.now())
}
