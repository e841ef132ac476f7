// Package access is the runtime checkpoint for record access. A request is
// allowed only when the practitioner is an active member of the
// organization, the subject's grant to that organization is effectively
// active and covers the capability, and the practitioner's own professional
// permissions also cover it.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consent/internal/domain/consent"
	"github.com/ehr/consent/internal/domain/directory"
	"github.com/ehr/consent/internal/domain/token"
	"github.com/ehr/consent/internal/platform/hipaa"
	"github.com/ehr/consent/internal/platform/metrics"
)

// Reason identifies the checkpoint step that rejected a request.
type Reason string

const (
	ReasonUnknownPermission     Reason = "unknown_permission"
	ReasonPractitionerNotFound  Reason = "practitioner_not_found"
	ReasonPractitionerInactive  Reason = "practitioner_inactive"
	ReasonNotMember             Reason = "not_member"
	ReasonNoActiveGrant         Reason = "no_active_grant"
	ReasonScopeNotGranted       Reason = "scope_not_granted"
	ReasonPractitionerForbidden Reason = "practitioner_lacks_permission"
	ReasonInvalidToken          Reason = "invalid_token"
)

// AuthorizationError is returned for every rejected check.
type AuthorizationError struct {
	Reason Reason
	Detail string
}

func (e *AuthorizationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("access denied: %s", e.Reason)
	}
	return fmt.Sprintf("access denied: %s: %s", e.Reason, e.Detail)
}

// Is lets callers match any AuthorizationError with consent.ErrForbidden.
func (e *AuthorizationError) Is(target error) bool {
	return target == consent.ErrForbidden
}

func deny(r Reason, format string, args ...any) *AuthorizationError {
	return &AuthorizationError{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

type Request struct {
	PractitionerID uuid.UUID          `json:"practitionerId"`
	SubjectID      uuid.UUID          `json:"subjectId"`
	OrganizationID uuid.UUID          `json:"organizationId"`
	Permission     consent.Capability `json:"permission"`
	// Token optionally binds the check to an access token. When set it must
	// be valid and belong to the grant that authorizes the request.
	Token string `json:"-"`
}

// Decision describes an allowed request.
type Decision struct {
	GrantID        uuid.UUID           `json:"grantId"`
	Permission     consent.Capability  `json:"permission"`
	EffectiveScope consent.AccessScope `json:"effectiveScope"`
	ExpiresAt      time.Time           `json:"expiresAt"`
}

// Authorizer runs the access checkpoint. It never mutates grants.
type Authorizer struct {
	store   *consent.Store
	dir     directory.Directory
	tokens  *token.Service
	audit   hipaa.AuditSink
	metrics *metrics.Recorder
	logger  zerolog.Logger
}

func NewAuthorizer(store *consent.Store, dir directory.Directory, tokens *token.Service, audit hipaa.AuditSink, rec *metrics.Recorder, logger zerolog.Logger) *Authorizer {
	return &Authorizer{
		store:   store,
		dir:     dir,
		tokens:  tokens,
		audit:   audit,
		metrics: rec,
		logger:  logger.With().Str("component", "access").Logger(),
	}
}

// Check authorizes req. Rejections are *AuthorizationError values; other
// errors come from storage. Both outcomes are audited.
func (a *Authorizer) Check(ctx context.Context, req Request) (*Decision, error) {
	d, err := a.check(ctx, req)

	details := map[string]any{
		"subject_id":      req.SubjectID.String(),
		"organization_id": req.OrganizationID.String(),
		"permission":      string(req.Permission),
	}
	var ae *AuthorizationError
	switch {
	case err == nil:
		details["grant_id"] = d.GrantID.String()
		a.metrics.AccessDecision("granted", "")
		a.record(ctx, hipaa.EventAccessGranted, req.PractitionerID.String(), details)
	case errors.As(err, &ae):
		details["reason"] = string(ae.Reason)
		a.metrics.AccessDecision("denied", string(ae.Reason))
		a.record(ctx, hipaa.EventAccessDenied, req.PractitionerID.String(), details)
		a.logger.Info().
			Str("practitioner_id", req.PractitionerID.String()).
			Str("subject_id", req.SubjectID.String()).
			Str("reason", string(ae.Reason)).
			Msg("access denied")
	default:
		details["reason"] = "error"
		a.metrics.AccessDecision("error", "")
		a.record(ctx, hipaa.EventAccessDenied, req.PractitionerID.String(), details)
		a.logger.Error().Err(err).Msg("access check failed")
	}
	return d, err
}

func (a *Authorizer) check(ctx context.Context, req Request) (*Decision, error) {
	if _, ok := consent.ParseCapability(string(req.Permission)); !ok {
		return nil, deny(ReasonUnknownPermission, "%q", req.Permission)
	}

	p, err := a.dir.GetPractitioner(ctx, req.PractitionerID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, deny(ReasonPractitionerNotFound, "")
		}
		return nil, err
	}
	if !p.Active {
		return nil, deny(ReasonPractitionerInactive, "")
	}
	if !p.MemberOf(req.OrganizationID) {
		return nil, deny(ReasonNotMember, "")
	}

	now := a.store.Now()
	g, err := a.store.FindActiveAt(ctx, req.SubjectID, req.OrganizationID, now)
	if err != nil {
		if errors.Is(err, consent.ErrNotFound) {
			return nil, deny(ReasonNoActiveGrant, "")
		}
		return nil, err
	}
	if !consent.HasPermission(g, req.Permission, now) {
		return nil, deny(ReasonScopeNotGranted, "%s", req.Permission)
	}
	if !consent.PractitionerAllows(p.Permissions, req.Permission) {
		return nil, deny(ReasonPractitionerForbidden, "%s", req.Permission)
	}

	if req.Token != "" {
		t, err := a.tokens.Validate(ctx, req.Token)
		if err != nil {
			if errors.Is(err, token.ErrNotFound) || errors.Is(err, token.ErrRevoked) || errors.Is(err, token.ErrExpired) {
				return nil, deny(ReasonInvalidToken, "%v", err)
			}
			return nil, err
		}
		if t.GrantID != g.ID || t.Type != token.TypeAccess {
			return nil, deny(ReasonInvalidToken, "token is not bound to the active grant")
		}
	}

	return &Decision{
		GrantID:        g.ID,
		Permission:     req.Permission,
		EffectiveScope: consent.EffectiveScope(g, p, now),
		ExpiresAt:      *g.ExpiresAt,
	}, nil
}

func (a *Authorizer) record(ctx context.Context, event, actor string, details map[string]any) {
	if a.audit == nil {
		return
	}
	if err := a.audit.Record(ctx, event, actor, details); err != nil {
		a.logger.Error().Err(err).Str("event_type", event).Msg("failed to record audit event")
	}
}
