package directory

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("directory: not found")

// Directory is the read side of the subject, practitioner and organization
// registries. Records are managed elsewhere; the consent engine only looks
// them up.
type Directory interface {
	GetSubject(ctx context.Context, id uuid.UUID) (*Subject, error)
	FindSubjectByIdentifier(ctx context.Context, publicIdentifier string) (*Subject, error)
	GetPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error)
	GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error)
}
