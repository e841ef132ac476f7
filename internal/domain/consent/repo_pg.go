package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/consent/internal/platform/db"
	"github.com/ehr/consent/internal/platform/hipaa"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type grantRepoPG struct {
	pool      *pgxpool.Pool
	q         querier
	encryptor hipaa.FieldEncryptor
}

// NewGrantRepoPG returns the PostgreSQL grant repository. Request metadata
// is encrypted with enc before it is written.
func NewGrantRepoPG(pool *pgxpool.Pool, enc hipaa.FieldEncryptor) GrantRepository {
	if enc == nil {
		enc = hipaa.PlaintextEncryptor{}
	}
	return &grantRepoPG{pool: pool, encryptor: enc}
}

func (r *grantRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if r.q != nil {
		return r.q
	}
	return r.pool
}

const grantCols = `id, subject_id, organization_id, practitioner_id, status, access_scope,
	time_window_hours, request_ip, request_device, request_location, decision_reason, revoked_by,
	created_at, updated_at, granted_at, denied_at, revoked_at, expires_at`

func (r *grantRepoPG) scanGrant(row pgx.Row) (*Grant, error) {
	var g Grant
	var scope []byte
	var ip, device, location, reason, revokedBy *string
	err := row.Scan(&g.ID, &g.SubjectID, &g.OrganizationID, &g.PractitionerID, &g.Status, &scope,
		&g.TimeWindowHours, &ip, &device, &location, &reason, &revokedBy,
		&g.CreatedAt, &g.UpdatedAt, &g.GrantedAt, &g.DeniedAt, &g.RevokedAt, &g.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scope, &g.AccessScope); err != nil {
		return nil, fmt.Errorf("decode access scope: %w", err)
	}
	if g.Metadata.IP, err = r.decryptField(ip); err != nil {
		return nil, err
	}
	if g.Metadata.Device, err = r.decryptField(device); err != nil {
		return nil, err
	}
	if g.Metadata.Location, err = r.decryptField(location); err != nil {
		return nil, err
	}
	g.DecisionReason = deref(reason)
	g.RevokedBy = deref(revokedBy)
	return &g, nil
}

func (r *grantRepoPG) Create(ctx context.Context, g *Grant) error {
	scope, err := json.Marshal(g.AccessScope)
	if err != nil {
		return fmt.Errorf("encode access scope: %w", err)
	}
	ip, err := r.encryptField(g.Metadata.IP)
	if err != nil {
		return err
	}
	device, err := r.encryptField(g.Metadata.Device)
	if err != nil {
		return err
	}
	location, err := r.encryptField(g.Metadata.Location)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO consent_grant (`+grantCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		g.ID, g.SubjectID, g.OrganizationID, g.PractitionerID, g.Status, scope,
		g.TimeWindowHours, ip, device, location, nullable(g.DecisionReason), nullable(g.RevokedBy),
		g.CreatedAt, g.UpdatedAt, g.GrantedAt, g.DeniedAt, g.RevokedAt, g.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

func (r *grantRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Grant, error) {
	g, err := r.scanGrant(r.conn(ctx).QueryRow(ctx, `SELECT `+grantCols+` FROM consent_grant WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	return g, nil
}

func (r *grantRepoPG) ListForSubjectOrg(ctx context.Context, subjectID, orgID uuid.UUID, status Status) ([]*Grant, error) {
	return r.list(ctx, `SELECT `+grantCols+` FROM consent_grant
		WHERE subject_id = $1 AND organization_id = $2 AND status = $3
		ORDER BY created_at DESC`, subjectID, orgID, status)
}

func (r *grantRepoPG) ListForSubject(ctx context.Context, subjectID uuid.UUID, status Status) ([]*Grant, error) {
	return r.list(ctx, `SELECT `+grantCols+` FROM consent_grant
		WHERE subject_id = $1 AND status = $2
		ORDER BY created_at DESC`, subjectID, status)
}

func (r *grantRepoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*Grant, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()
	var out []*Grant
	for rows.Next() {
		g, err := r.scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *grantRepoPG) UpdateIfStatus(ctx context.Context, g *Grant, expected Status) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consent_grant SET
			status = $3, decision_reason = $4, revoked_by = $5, updated_at = $6,
			granted_at = $7, denied_at = $8, revoked_at = $9, expires_at = $10
		WHERE id = $1 AND status = $2`,
		g.ID, expected, g.Status, nullable(g.DecisionReason), nullable(g.RevokedBy), g.UpdatedAt,
		g.GrantedAt, g.DeniedAt, g.RevokedAt, g.ExpiresAt)
	if err != nil {
		return fmt.Errorf("update grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (r *grantRepoPG) encryptField(v string) (*string, error) {
	if v == "" {
		return nil, nil
	}
	enc, err := r.encryptor.Encrypt(v)
	if err != nil {
		return nil, fmt.Errorf("encrypt request metadata: %w", err)
	}
	return &enc, nil
}

func (r *grantRepoPG) decryptField(v *string) (string, error) {
	if v == nil || *v == "" {
		return "", nil
	}
	dec, err := r.encryptor.Decrypt(*v)
	if err != nil {
		return "", fmt.Errorf("decrypt request metadata: %w", err)
	}
	return dec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// LockRequests takes a transaction-scoped advisory lock on the pair. Without
// a transaction in ctx the lock is released as soon as the statement ends.
func (r *grantRepoPG) LockRequests(ctx context.Context, subjectID, orgID uuid.UUID) error {
	if _, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, requestLockKey(subjectID, orgID)); err != nil {
		return fmt.Errorf("lock requests: %w", err)
	}
	return nil
}

func requestLockKey(subjectID, orgID uuid.UUID) string {
	return "consent_request:" + subjectID.String() + ":" + orgID.String()
}
