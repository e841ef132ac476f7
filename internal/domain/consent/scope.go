package consent

import (
	"fmt"
	"sort"
	"time"

	"github.com/ehr/consent/internal/domain/directory"
)

// Capability is one grantable access right. The values double as the JSON
// keys of AccessScope.
type Capability string

const (
	CapViewMedicalHistory Capability = "canViewMedicalHistory"
	CapViewPrescriptions  Capability = "canViewPrescriptions"
	CapCreateEncounters   Capability = "canCreateEncounters"
	CapViewAuditLogs      Capability = "canViewAuditLogs"
)

// Capabilities lists every grantable capability in a stable order.
var Capabilities = []Capability{
	CapViewMedicalHistory,
	CapViewPrescriptions,
	CapCreateEncounters,
	CapViewAuditLogs,
}

// ParseCapability accepts a capability key as used in AccessScope JSON.
func ParseCapability(s string) (Capability, bool) {
	for _, c := range Capabilities {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// AccessScope is the set of capabilities a grant confers. Anything not set
// is denied.
type AccessScope struct {
	ViewMedicalHistory bool `json:"canViewMedicalHistory"`
	ViewPrescriptions  bool `json:"canViewPrescriptions"`
	CreateEncounters   bool `json:"canCreateEncounters"`
	ViewAuditLogs      bool `json:"canViewAuditLogs"`
}

func (s AccessScope) Has(c Capability) bool {
	switch c {
	case CapViewMedicalHistory:
		return s.ViewMedicalHistory
	case CapViewPrescriptions:
		return s.ViewPrescriptions
	case CapCreateEncounters:
		return s.CreateEncounters
	case CapViewAuditLogs:
		return s.ViewAuditLogs
	}
	return false
}

func (s *AccessScope) set(c Capability, v bool) {
	switch c {
	case CapViewMedicalHistory:
		s.ViewMedicalHistory = v
	case CapViewPrescriptions:
		s.ViewPrescriptions = v
	case CapCreateEncounters:
		s.CreateEncounters = v
	case CapViewAuditLogs:
		s.ViewAuditLogs = v
	}
}

// List returns the granted capabilities.
func (s AccessScope) List() []Capability {
	var out []Capability
	for _, c := range Capabilities {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s AccessScope) Empty() bool {
	return len(s.List()) == 0
}

// Intersect keeps only capabilities present in both scopes.
func (s AccessScope) Intersect(o AccessScope) AccessScope {
	var out AccessScope
	for _, c := range Capabilities {
		out.set(c, s.Has(c) && o.Has(c))
	}
	return out
}

// PractitionerAllows reports whether a practitioner's own professional
// permissions cover exercising c.
//
//	canViewMedicalHistory -> view patient records
//	canViewPrescriptions  -> view prescriptions
//	canCreateEncounters   -> modify patient records
//	canViewAuditLogs      -> view audit logs
func PractitionerAllows(p directory.Permissions, c Capability) bool {
	switch c {
	case CapViewMedicalHistory:
		return p.ViewPatientRecords
	case CapViewPrescriptions:
		return p.ViewPrescriptions
	case CapCreateEncounters:
		return p.ModifyPatientRecords
	case CapViewAuditLogs:
		return p.ViewAuditLogs
	}
	return false
}

// PermittedScope is the largest scope a practitioner holding p may request.
func PermittedScope(p directory.Permissions) AccessScope {
	var out AccessScope
	for _, c := range Capabilities {
		out.set(c, PractitionerAllows(p, c))
	}
	return out
}

// ScopeValidation is the structured result of validating a requested scope.
type ScopeValidation struct {
	Scope        AccessScope  `json:"scope"`
	Unknown      []string     `json:"unknown,omitempty"`
	NotPermitted []Capability `json:"not_permitted,omitempty"`
	Empty        bool         `json:"empty,omitempty"`
}

func (v ScopeValidation) OK() bool {
	return len(v.Unknown) == 0 && len(v.NotPermitted) == 0 && !v.Empty
}

// Err converts a failed validation into a *ValidationError, or nil.
func (v ScopeValidation) Err() error {
	if v.OK() {
		return nil
	}
	details := map[string]any{}
	msg := "no capability requested"
	if len(v.Unknown) > 0 {
		details["unknown"] = v.Unknown
		msg = fmt.Sprintf("unknown scope keys %v", v.Unknown)
	}
	if len(v.NotPermitted) > 0 {
		details["not_permitted"] = v.NotPermitted
		if len(v.Unknown) == 0 {
			msg = fmt.Sprintf("practitioner may not request %v", v.NotPermitted)
		}
	}
	return &ValidationError{Field: "accessScope", Message: msg, Details: details}
}

// ValidateScopeRequest checks a raw requested scope against the known
// capabilities and against what the requesting practitioner may request.
// Keys set to false are accepted and ignored.
func ValidateScopeRequest(raw map[string]bool, perms directory.Permissions) ScopeValidation {
	var v ScopeValidation
	for key, want := range raw {
		c, ok := ParseCapability(key)
		if !ok {
			v.Unknown = append(v.Unknown, key)
			continue
		}
		if !want {
			continue
		}
		v.Scope.set(c, true)
		if !PractitionerAllows(perms, c) {
			v.NotPermitted = append(v.NotPermitted, c)
		}
	}
	sort.Strings(v.Unknown)
	sort.Slice(v.NotPermitted, func(i, j int) bool { return v.NotPermitted[i] < v.NotPermitted[j] })
	v.Empty = v.Scope.Empty() && len(v.Unknown) == 0
	return v
}

// HasPermission is the authorization predicate for grant scope: c must be
// in the grant's scope and the grant must be effectively active at now.
func HasPermission(g *Grant, c Capability, now time.Time) bool {
	if g == nil {
		return false
	}
	return g.IsEffectivelyActive(now) && g.AccessScope.Has(c)
}

// EffectiveScope is what a practitioner can actually do under g: the grant's
// scope limited by the practitioner's own permissions. It is empty when the
// grant is not effectively active.
func EffectiveScope(g *Grant, p *directory.Practitioner, now time.Time) AccessScope {
	if g == nil || p == nil || !g.IsEffectivelyActive(now) {
		return AccessScope{}
	}
	return g.AccessScope.Intersect(PermittedScope(p.Permissions))
}
