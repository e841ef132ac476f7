package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/consent/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type tokenRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &tokenRepoPG{pool: pool}
}

func (r *tokenRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const tokenCols = `value, grant_id, subject_id, organization_id, token_type, created_at, expires_at,
	is_revoked, revoked_at, revoked_by, revoke_reason, metadata`

func scanToken(row pgx.Row) (*Token, error) {
	var t Token
	var revokedBy, reason *string
	var meta []byte
	err := row.Scan(&t.Value, &t.GrantID, &t.SubjectID, &t.OrganizationID, &t.Type, &t.CreatedAt, &t.ExpiresAt,
		&t.IsRevoked, &t.RevokedAt, &revokedBy, &reason, &meta)
	if err != nil {
		return nil, err
	}
	if revokedBy != nil {
		t.RevokedBy = *revokedBy
	}
	if reason != nil {
		t.RevokeReason = *reason
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode token metadata: %w", err)
		}
	}
	return &t, nil
}

func (r *tokenRepoPG) Create(ctx context.Context, t *Token) error {
	var meta []byte
	if len(t.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(t.Metadata); err != nil {
			return fmt.Errorf("encode token metadata: %w", err)
		}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO access_token (value, grant_id, subject_id, organization_id, token_type, created_at, expires_at, is_revoked, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)`,
		t.Value, t.GrantID, t.SubjectID, t.OrganizationID, t.Type, t.CreatedAt, t.ExpiresAt, meta)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (r *tokenRepoPG) Get(ctx context.Context, value string) (*Token, error) {
	t, err := scanToken(r.conn(ctx).QueryRow(ctx, `SELECT `+tokenCols+` FROM access_token WHERE value = $1`, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return t, nil
}

const revokeSet = `SET is_revoked = true, revoked_at = $2, revoked_by = $3, revoke_reason = $4`

func (r *tokenRepoPG) Revoke(ctx context.Context, value string, rev Revocation) (bool, error) {
	n, err := r.revoke(ctx, `UPDATE access_token `+revokeSet+` WHERE value = $1 AND NOT is_revoked`, value, rev)
	return n > 0, err
}

func (r *tokenRepoPG) RevokeByGrant(ctx context.Context, grantID uuid.UUID, rev Revocation) (int, error) {
	return r.revoke(ctx, `UPDATE access_token `+revokeSet+` WHERE grant_id = $1 AND NOT is_revoked`, grantID, rev)
}

func (r *tokenRepoPG) RevokeBySubject(ctx context.Context, subjectID uuid.UUID, rev Revocation) (int, error) {
	return r.revoke(ctx, `UPDATE access_token `+revokeSet+` WHERE subject_id = $1 AND NOT is_revoked`, subjectID, rev)
}

func (r *tokenRepoPG) revoke(ctx context.Context, sql string, key interface{}, rev Revocation) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, sql, key, rev.At, rev.By, rev.Reason)
	if err != nil {
		return 0, fmt.Errorf("revoke tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *tokenRepoPG) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM access_token WHERE NOT is_revoked AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *tokenRepoPG) Stats(ctx context.Context, now time.Time) (Stats, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT token_type,
			COUNT(*),
			COUNT(*) FILTER (WHERE is_revoked),
			COUNT(*) FILTER (WHERE NOT is_revoked AND expires_at < $1)
		FROM access_token GROUP BY token_type`, now)
	if err != nil {
		return nil, fmt.Errorf("token stats: %w", err)
	}
	defer rows.Close()
	stats := emptyStats()
	for rows.Next() {
		var typ Type
		var s TypeStats
		if err := rows.Scan(&typ, &s.Total, &s.Revoked, &s.Expired); err != nil {
			return nil, fmt.Errorf("scan token stats: %w", err)
		}
		s.Active = s.Total - s.Revoked - s.Expired
		stats[typ] = &s
	}
	return stats, rows.Err()
}

func (r *tokenRepoPG) FindValid(ctx context.Context, grantID uuid.UUID, typ Type, now time.Time) (*Token, error) {
	t, err := scanToken(r.conn(ctx).QueryRow(ctx, `SELECT `+tokenCols+` FROM access_token
		WHERE grant_id = $1 AND token_type = $2 AND NOT is_revoked AND expires_at >= $3
		ORDER BY expires_at DESC LIMIT 1`, grantID, typ, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find token: %w", err)
	}
	return t, nil
}

func emptyStats() Stats {
	s := make(Stats, len(Types))
	for _, t := range Types {
		s[t] = &TypeStats{}
	}
	return s
}
