package consent

import (
	"context"

	"github.com/google/uuid"
)

// GrantRepository persists grants. UpdateIfStatus is the only mutation and
// must be a single conditional write.
type GrantRepository interface {
	Create(ctx context.Context, g *Grant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Grant, error)
	// ListForSubjectOrg returns grants of subject and organization in the
	// given status, most recently created first.
	ListForSubjectOrg(ctx context.Context, subjectID, orgID uuid.UUID, status Status) ([]*Grant, error)
	ListForSubject(ctx context.Context, subjectID uuid.UUID, status Status) ([]*Grant, error)
	// UpdateIfStatus writes g only if the stored status still equals
	// expected, returning ErrConflict otherwise.
	UpdateIfStatus(ctx context.Context, g *Grant, expected Status) error
	// LockRequests serializes request creation for the pair until the
	// transaction carried by ctx ends.
	LockRequests(ctx context.Context, subjectID, orgID uuid.UUID) error
}
