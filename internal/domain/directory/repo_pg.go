package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

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

type directoryPG struct {
	pool *pgxpool.Pool
}

func NewDirectoryPG(pool *pgxpool.Pool) Directory {
	return &directoryPG{pool: pool}
}

func (r *directoryPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const subjectCols = `id, public_identifier, display_name, email, active, created_at`

func (r *directoryPG) GetSubject(ctx context.Context, id uuid.UUID) (*Subject, error) {
	return scanSubject(r.conn(ctx).QueryRow(ctx, `SELECT `+subjectCols+` FROM subject WHERE id = $1`, id))
}

func (r *directoryPG) FindSubjectByIdentifier(ctx context.Context, publicIdentifier string) (*Subject, error) {
	return scanSubject(r.conn(ctx).QueryRow(ctx,
		`SELECT `+subjectCols+` FROM subject WHERE public_identifier = $1`, strings.TrimSpace(publicIdentifier)))
}

func (r *directoryPG) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	var o Organization
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, name, active, created_at FROM organization WHERE id = $1`, id,
	).Scan(&o.ID, &o.Name, &o.Active, &o.CreatedAt)
	if err != nil {
		return nil, notFound(err, "organization")
	}
	return &o, nil
}

func (r *directoryPG) GetPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	var p Practitioner
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT p.id, p.display_name, p.active,
			p.can_view_patient_records, p.can_modify_patient_records,
			p.can_view_prescriptions, p.can_view_audit_logs, p.can_manage_access,
			p.created_at,
			COALESCE(ARRAY(SELECT m.organization_id FROM practitioner_membership m WHERE m.practitioner_id = p.id), '{}')
		FROM practitioner p WHERE p.id = $1`, id,
	).Scan(
		&p.ID, &p.DisplayName, &p.Active,
		&p.Permissions.ViewPatientRecords, &p.Permissions.ModifyPatientRecords,
		&p.Permissions.ViewPrescriptions, &p.Permissions.ViewAuditLogs, &p.Permissions.ManageAccess,
		&p.CreatedAt,
		&p.OrganizationIDs,
	)
	if err != nil {
		return nil, notFound(err, "practitioner")
	}
	return &p, nil
}

func scanSubject(row pgx.Row) (*Subject, error) {
	var s Subject
	var email *string
	if err := row.Scan(&s.ID, &s.PublicIdentifier, &s.DisplayName, &email, &s.Active, &s.CreatedAt); err != nil {
		return nil, notFound(err, "subject")
	}
	if email != nil {
		s.Email = *email
	}
	return &s, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("load %s: %w", what, err)
}
