package directory

import (
	"time"

	"github.com/google/uuid"
)

// Permissions are a practitioner's own professional permission flags,
// independent of any patient consent.
type Permissions struct {
	ViewPatientRecords   bool `json:"canViewPatientRecords"`
	ModifyPatientRecords bool `json:"canModifyPatientRecords"`
	ViewPrescriptions    bool `json:"canViewPrescriptions"`
	ViewAuditLogs        bool `json:"canViewAuditLogs"`
	ManageAccess         bool `json:"canManageAccess"`
}

// Subject is a patient who can be looked up by the identifier encoded in
// their QR code.
type Subject struct {
	ID               uuid.UUID `json:"id"`
	PublicIdentifier string    `json:"public_identifier"`
	DisplayName      string    `json:"display_name"`
	Email            string    `json:"email,omitempty"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
}

type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Practitioner struct {
	ID              uuid.UUID   `json:"id"`
	DisplayName     string      `json:"display_name"`
	Active          bool        `json:"active"`
	OrganizationIDs []uuid.UUID `json:"organization_ids"`
	Permissions     Permissions `json:"permissions"`
	CreatedAt       time.Time   `json:"created_at"`
}

// MemberOf reports whether the practitioner belongs to orgID.
func (p *Practitioner) MemberOf(orgID uuid.UUID) bool {
	for _, id := range p.OrganizationIDs {
		if id == orgID {
			return true
		}
	}
	return false
}
