package handshake

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consent/internal/domain/consent"
	"github.com/ehr/consent/internal/domain/directory"
	"github.com/ehr/consent/internal/domain/token"
	"github.com/ehr/consent/internal/platform/db"
	"github.com/ehr/consent/internal/platform/hipaa"
	"github.com/ehr/consent/internal/platform/metrics"
	"github.com/ehr/consent/internal/platform/notification"
)

// ErrGrantNotActive is returned when a token is requested for a grant that
// is not effectively active.
var ErrGrantNotActive = fmt.Errorf("%w: grant is not active", consent.ErrInvalidTransition)

type Config struct {
	MaxTimeWindowHours int
	// RequestChannel delivers authorization requests to subjects. Email
	// falls back to push for subjects without an address.
	RequestChannel notification.Channel
	// OrganizationChannel delivers approval notices. With the webhook
	// channel the organization is the recipient, otherwise the requesting
	// practitioner is notified by push.
	OrganizationChannel notification.Channel
}

// Service runs the QR consent handshake.
type Service struct {
	store     *consent.Store
	dir       directory.Directory
	tokens    *token.Service
	queue     *notification.Queue
	templates *notification.TemplateEngine
	tx        db.Transactor
	audit     hipaa.AuditSink
	metrics   *metrics.Recorder
	logger    zerolog.Logger
	cfg       Config
}

type Deps struct {
	Store     *consent.Store
	Directory directory.Directory
	Tokens    *token.Service
	Queue     *notification.Queue
	Templates *notification.TemplateEngine
	Tx        db.Transactor
	Audit     hipaa.AuditSink
	Metrics   *metrics.Recorder
}

func NewService(d Deps, cfg Config, logger zerolog.Logger) *Service {
	if cfg.MaxTimeWindowHours < 1 {
		cfg.MaxTimeWindowHours = 720
	}
	if cfg.RequestChannel == "" {
		cfg.RequestChannel = notification.ChannelPush
	}
	if d.Tx == nil {
		d.Tx = db.NoopTransactor{}
	}
	if d.Templates == nil {
		d.Templates = notification.NewTemplateEngine()
	}
	return &Service{
		store:     d.Store,
		dir:       d.Directory,
		tokens:    d.Tokens,
		queue:     d.Queue,
		templates: d.Templates,
		tx:        d.Tx,
		audit:     d.Audit,
		metrics:   d.Metrics,
		logger:    logger.With().Str("component", "handshake").Logger(),
		cfg:       cfg,
	}
}

type ScanRequest struct {
	SubjectIdentifier string                  `json:"subjectIdentifier"`
	OrganizationID    uuid.UUID               `json:"organizationId"`
	PractitionerID    uuid.UUID               `json:"-"`
	AccessScope       map[string]bool         `json:"accessScope"`
	TimeWindowHours   int                     `json:"timeWindowHours"`
	Metadata          consent.RequestMetadata `json:"metadata"`
}

type ScanResult struct {
	GrantID uuid.UUID      `json:"grantId"`
	Status  consent.Status `json:"status"`
}

// Scan records a practitioner's request for access after scanning a
// subject's QR code. The PENDING grant and its notification job are
// written in one transaction. No token is issued.
func (s *Service) Scan(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	if strings.TrimSpace(req.SubjectIdentifier) == "" {
		return nil, &consent.ValidationError{Field: "subjectIdentifier", Message: "is required"}
	}
	if req.OrganizationID == uuid.Nil {
		return nil, &consent.ValidationError{Field: "organizationId", Message: "is required"}
	}
	if req.TimeWindowHours < 1 || req.TimeWindowHours > s.cfg.MaxTimeWindowHours {
		return nil, &consent.ValidationError{
			Field:   "timeWindowHours",
			Message: fmt.Sprintf("must be between 1 and %d", s.cfg.MaxTimeWindowHours),
		}
	}

	subject, err := s.dir.FindSubjectByIdentifier(ctx, req.SubjectIdentifier)
	if err != nil {
		return nil, err
	}
	if !subject.Active {
		return nil, fmt.Errorf("subject: %w", directory.ErrNotFound)
	}
	org, err := s.dir.GetOrganization(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !org.Active {
		return nil, fmt.Errorf("%w: organization is inactive", consent.ErrForbidden)
	}
	pract, err := s.dir.GetPractitioner(ctx, req.PractitionerID)
	if err != nil {
		return nil, err
	}
	if !pract.Active || !pract.MemberOf(org.ID) {
		return nil, fmt.Errorf("%w: practitioner is not an active member of the organization", consent.ErrForbidden)
	}

	v := consent.ValidateScopeRequest(req.AccessScope, pract.Permissions)
	if err := v.Err(); err != nil {
		return nil, err
	}

	g := &consent.Grant{
		SubjectID:       subject.ID,
		OrganizationID:  org.ID,
		PractitionerID:  pract.ID,
		AccessScope:     v.Scope,
		TimeWindowHours: req.TimeWindowHours,
		Metadata:        req.Metadata,
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.CreateRequest(ctx, g); err != nil {
			return err
		}
		job, err := s.requestJob(g, subject, org, pract)
		if err != nil {
			return err
		}
		return s.queue.Enqueue(ctx, job)
	})
	if err != nil {
		s.metrics.GrantTransition("scan", outcome(err))
		if errors.Is(err, consent.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("record scan: %w", err)
	}

	s.metrics.GrantTransition("scan", "ok")
	s.record(ctx, hipaa.EventConsentScan, pract.ID.String(), map[string]any{
		"grant_id":          g.ID.String(),
		"subject_id":        subject.ID.String(),
		"organization_id":   org.ID.String(),
		"scopes":            scopeNames(g.AccessScope),
		"time_window_hours": g.TimeWindowHours,
	})
	s.logger.Info().
		Str("grant_id", g.ID.String()).
		Str("subject_id", subject.ID.String()).
		Str("organization_id", org.ID.String()).
		Msg("access requested")
	return &ScanResult{GrantID: g.ID, Status: g.Status}, nil
}

func (s *Service) requestJob(g *consent.Grant, subject *directory.Subject, org *directory.Organization, pract *directory.Practitioner) (*notification.Job, error) {
	title, body, err := s.templates.Render(notification.TemplateAuthorizationRequest, map[string]string{
		"organization_name": org.Name,
		"practitioner_name": pract.DisplayName,
		"scopes":            strings.Join(scopeNames(g.AccessScope), ", "),
		"hours":             strconv.Itoa(g.TimeWindowHours),
	})
	if err != nil {
		return nil, err
	}
	channel, recipient := s.cfg.RequestChannel, subject.ID.String()
	if channel == notification.ChannelEmail {
		if subject.Email != "" {
			recipient = subject.Email
		} else {
			channel = notification.ChannelPush
		}
	}
	job := &notification.Job{
		Type:      notification.TypeAuthorizationRequest,
		Channel:   channel,
		Recipient: recipient,
		Priority:  notification.PriorityHigh,
		Payload: notification.Payload{
			Title: title,
			Body:  body,
			Data: map[string]any{
				notification.DataGrantID: g.ID.String(),
				"organizationId":          org.ID.String(),
				"organizationName":        org.Name,
				"practitionerId":          pract.ID.String(),
				"practitionerName":        pract.DisplayName,
				"accessScope":             g.AccessScope,
				"timeWindowHours":         g.TimeWindowHours,
			},
		},
	}
	if ttl := s.store.PendingTTL(); ttl > 0 {
		exp := g.CreatedAt.Add(ttl)
		job.ExpiresAt = &exp
	}
	return job, nil
}

type DecisionRequest struct {
	GrantID   uuid.UUID      `json:"grantId"`
	SubjectID uuid.UUID      `json:"-"`
	Action    consent.Action `json:"action"`
	Reason    string         `json:"reason,omitempty"`
}

type DecisionResult struct {
	GrantID     uuid.UUID      `json:"grantId"`
	NewStatus   consent.Status `json:"newStatus"`
	AccessToken string         `json:"accessToken,omitempty"`
	ExpiresAt   *time.Time     `json:"expiresAt,omitempty"`
	// TokenPending is set when the grant became ACTIVE but the token could
	// not be issued. The subject can obtain it with ReissueToken.
	TokenPending bool `json:"tokenPending,omitempty"`
}

// Decide applies the subject's approve or deny decision. The transition is
// committed first; completing the notification job and issuing the token
// follow and never undo it.
func (s *Service) Decide(ctx context.Context, req DecisionRequest) (*DecisionResult, error) {
	if req.Action != consent.ActionApprove && req.Action != consent.ActionDeny {
		return nil, &consent.ValidationError{Field: "action", Message: "must be approve or deny"}
	}
	g, err := s.store.FindByID(ctx, req.GrantID)
	if err != nil {
		return nil, err
	}
	if g.SubjectID != req.SubjectID {
		return nil, fmt.Errorf("%w: grant belongs to another subject", consent.ErrForbidden)
	}
	if g.Status != consent.StatusPending {
		return nil, &consent.InvalidTransitionError{From: g.Status, Action: req.Action}
	}
	if g.RequestExpired(s.store.Now(), s.store.PendingTTL()) {
		return nil, consent.ErrExpired
	}

	updated, err := s.store.Transition(ctx, g.ID, req.Action, req.SubjectID.String(), req.Reason)
	if err != nil {
		s.metrics.GrantTransition(string(req.Action), outcome(err))
		return nil, err
	}
	s.metrics.GrantTransition(string(req.Action), "ok")

	event := hipaa.EventConsentDenied
	if req.Action == consent.ActionApprove {
		event = hipaa.EventConsentApproved
	}
	s.record(ctx, event, req.SubjectID.String(), map[string]any{
		"grant_id":        updated.ID.String(),
		"organization_id": updated.OrganizationID.String(),
		"reason":          req.Reason,
	})

	if n, err := s.queue.CompleteForGrant(ctx, updated.ID.String()); err != nil {
		s.logger.Warn().Err(err).Str("grant_id", updated.ID.String()).Msg("failed to complete notification jobs")
	} else if n == 0 {
		s.logger.Debug().Str("grant_id", updated.ID.String()).Msg("no notification job to complete")
	}

	res := &DecisionResult{GrantID: updated.ID, NewStatus: updated.Status, ExpiresAt: updated.ExpiresAt}
	if req.Action != consent.ActionApprove {
		return res, nil
	}

	tok, err := s.issueAccessToken(ctx, updated)
	if err != nil {
		s.logger.Error().Err(err).Str("grant_id", updated.ID.String()).Msg("grant activated but token issuance failed")
		res.TokenPending = true
	} else {
		res.AccessToken = tok.Value
	}
	s.notifyApproved(ctx, updated)
	return res, nil
}

// ReissueToken returns a valid access token for an effectively active grant
// owned by subjectID, issuing one if none exists. It completes an approval
// whose token issuance failed.
func (s *Service) ReissueToken(ctx context.Context, grantID, subjectID uuid.UUID) (*token.Token, error) {
	g, err := s.store.FindByID(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if g.SubjectID != subjectID {
		return nil, fmt.Errorf("%w: grant belongs to another subject", consent.ErrForbidden)
	}
	if !g.IsEffectivelyActive(s.store.Now()) {
		return nil, ErrGrantNotActive
	}
	tok, err := s.tokens.FindValidForGrant(ctx, g.ID, token.TypeAccess)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, token.ErrNotFound) {
		return nil, err
	}
	return s.issueAccessToken(ctx, g)
}

func (s *Service) issueAccessToken(ctx context.Context, g *consent.Grant) (*token.Token, error) {
	tok, err := s.tokens.Issue(ctx, token.IssueRequest{
		GrantID:        g.ID,
		SubjectID:      g.SubjectID,
		OrganizationID: g.OrganizationID,
		Type:           token.TypeAccess,
		ExpiresAt:      g.ExpiresAt,
		Metadata:       map[string]any{"scopes": scopeNames(g.AccessScope)},
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, hipaa.EventTokenIssued, g.SubjectID.String(), map[string]any{
		"grant_id":   g.ID.String(),
		"type":       string(tok.Type),
		"expires_at": tok.ExpiresAt,
	})
	return tok, nil
}

type RevokeRequest struct {
	GrantID uuid.UUID `json:"-"`
	ActorID string    `json:"-"`
	// Privileged skips the practitioner checks. It is set for admins.
	Privileged bool   `json:"-"`
	Reason     string `json:"reason"`
}

type RevokeResult struct {
	Grant         consent.View `json:"grant"`
	TokensRevoked int          `json:"tokensRevoked"`
	// TokenRevokeFailed reports that the grant is REVOKED but its tokens
	// could not be revoked. Access checks read the grant, so such tokens
	// authorize nothing.
	TokenRevokeFailed bool `json:"tokenRevokeFailed,omitempty"`
}

// Revoke ends an ACTIVE grant on behalf of its organization. The actor must
// be an active member practitioner with the manage access permission,
// unless the request is privileged.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) (*RevokeResult, error) {
	g, err := s.store.FindByID(ctx, req.GrantID)
	if err != nil {
		return nil, err
	}
	if !req.Privileged {
		id, err := uuid.Parse(req.ActorID)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown actor", consent.ErrForbidden)
		}
		p, err := s.dir.GetPractitioner(ctx, id)
		if err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown actor", consent.ErrForbidden)
			}
			return nil, err
		}
		if !p.Active || !p.MemberOf(g.OrganizationID) || !p.Permissions.ManageAccess {
			return nil, fmt.Errorf("%w: actor may not revoke grants of this organization", consent.ErrForbidden)
		}
	}

	updated, err := s.store.Transition(ctx, g.ID, consent.ActionRevoke, req.ActorID, req.Reason)
	if err != nil {
		s.metrics.GrantTransition(string(consent.ActionRevoke), outcome(err))
		return nil, err
	}
	s.metrics.GrantTransition(string(consent.ActionRevoke), "ok")
	s.record(ctx, hipaa.EventConsentRevoked, req.ActorID, map[string]any{
		"grant_id":        updated.ID.String(),
		"subject_id":      updated.SubjectID.String(),
		"organization_id": updated.OrganizationID.String(),
		"reason":          req.Reason,
	})

	res := &RevokeResult{Grant: consent.NewView(updated, s.store.Now())}
	n, err := s.tokens.RevokeAllForGrant(ctx, updated.ID, req.ActorID, "grant revoked")
	if err != nil {
		s.logger.Error().Err(err).Str("grant_id", updated.ID.String()).Msg("grant revoked but token revocation failed")
		res.TokenRevokeFailed = true
	}
	res.TokensRevoked = n
	s.notifyRevoked(ctx, updated, req.Reason)
	return res, nil
}

// PendingRequest is a pending grant with display data for the subject.
type PendingRequest struct {
	consent.View
	OrganizationName string    `json:"organization_name"`
	PractitionerName string    `json:"practitioner_name"`
	RequestExpiresAt time.Time `json:"request_expires_at,omitempty"`
}

// PendingForSubject lists requests the subject can still decide.
func (s *Service) PendingForSubject(ctx context.Context, subjectID uuid.UUID) ([]PendingRequest, error) {
	grants, err := s.store.FindPendingFor(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	now := s.store.Now()
	orgNames := map[uuid.UUID]string{}
	practNames := map[uuid.UUID]string{}
	out := make([]PendingRequest, 0, len(grants))
	for _, g := range grants {
		pr := PendingRequest{View: consent.NewView(g, now)}
		if name, ok := orgNames[g.OrganizationID]; ok {
			pr.OrganizationName = name
		} else if org, err := s.dir.GetOrganization(ctx, g.OrganizationID); err == nil {
			orgNames[g.OrganizationID] = org.Name
			pr.OrganizationName = org.Name
		}
		if name, ok := practNames[g.PractitionerID]; ok {
			pr.PractitionerName = name
		} else if p, err := s.dir.GetPractitioner(ctx, g.PractitionerID); err == nil {
			practNames[g.PractitionerID] = p.DisplayName
			pr.PractitionerName = p.DisplayName
		}
		if ttl := s.store.PendingTTL(); ttl > 0 {
			pr.RequestExpiresAt = g.CreatedAt.Add(ttl)
		}
		out = append(out, pr)
	}
	return out, nil
}

// ActiveFor returns the effectively active grant for the pair.
func (s *Service) ActiveFor(ctx context.Context, subjectID, orgID uuid.UUID) (*consent.View, error) {
	g, err := s.store.FindActiveFor(ctx, subjectID, orgID)
	if err != nil {
		return nil, err
	}
	v := consent.NewView(g, s.store.Now())
	return &v, nil
}

func (s *Service) notifyApproved(ctx context.Context, g *consent.Grant) {
	subjectName := g.SubjectID.String()
	if subj, err := s.dir.GetSubject(ctx, g.SubjectID); err == nil {
		subjectName = subj.DisplayName
	}
	orgName := g.OrganizationID.String()
	if org, err := s.dir.GetOrganization(ctx, g.OrganizationID); err == nil {
		orgName = org.Name
	}
	data := map[string]string{"subject_name": subjectName, "organization_name": orgName}
	if g.ExpiresAt != nil {
		data["expires_at"] = g.ExpiresAt.Format(time.RFC3339)
	}
	channel, recipient := notification.ChannelPush, g.PractitionerID.String()
	if s.cfg.OrganizationChannel == notification.ChannelWebhook {
		channel, recipient = notification.ChannelWebhook, g.OrganizationID.String()
	}
	s.enqueueBestEffort(ctx, g, notification.TypeAuthorizationApproved, notification.TemplateAuthorizationApproved,
		channel, recipient, data)
}

func (s *Service) notifyRevoked(ctx context.Context, g *consent.Grant, reason string) {
	orgName := g.OrganizationID.String()
	if org, err := s.dir.GetOrganization(ctx, g.OrganizationID); err == nil {
		orgName = org.Name
	}
	if reason == "" {
		reason = "not given"
	}
	s.enqueueBestEffort(ctx, g, notification.TypeAuthorizationRevoked, notification.TemplateAuthorizationRevoked,
		notification.ChannelPush, g.SubjectID.String(), map[string]string{"organization_name": orgName, "reason": reason})
}

func (s *Service) enqueueBestEffort(ctx context.Context, g *consent.Grant, jobType, templateID string, channel notification.Channel, recipient string, data map[string]string) {
	title, body, err := s.templates.Render(templateID, data)
	if err != nil {
		s.logger.Warn().Err(err).Str("template", templateID).Msg("failed to render notification")
		return
	}
	job := &notification.Job{
		Type:      jobType,
		Channel:   channel,
		Recipient: recipient,
		Priority:  notification.PriorityNormal,
		Payload: notification.Payload{
			Title: title,
			Body:  body,
			Data:  map[string]any{notification.DataGrantID: g.ID.String(), "status": string(g.Status)},
		},
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.logger.Warn().Err(err).Str("grant_id", g.ID.String()).Str("type", jobType).Msg("failed to enqueue notification")
	}
}

func (s *Service) record(ctx context.Context, event, actor string, details map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, event, actor, details); err != nil {
		s.logger.Error().Err(err).Str("event_type", event).Msg("failed to record audit event")
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, consent.ErrConflict):
		return "conflict"
	case errors.Is(err, consent.ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, consent.ErrExpired):
		return "expired"
	}
	return "error"
}

func scopeNames(s consent.AccessScope) []string {
	caps := s.List()
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}
