package consent

import "time"

var transitions = map[Status]map[Action]Status{
	StatusPending: {
		ActionApprove: StatusActive,
		ActionDeny:    StatusDenied,
	},
	StatusActive: {
		ActionRevoke: StatusRevoked,
	},
}

// Next returns the status reached by applying a to from.
func Next(from Status, a Action) (Status, error) {
	to, ok := transitions[from][a]
	if !ok {
		return "", &InvalidTransitionError{From: from, Action: a}
	}
	return to, nil
}

// Apply returns a copy of g after applying a at now. g is not modified, so a
// rejected action never leaks into stored state.
func Apply(g *Grant, a Action, actorID, reason string, now time.Time) (*Grant, error) {
	to, err := Next(g.Status, a)
	if err != nil {
		return nil, err
	}
	out := g.clone()
	out.Status = to
	out.UpdatedAt = now
	out.DecisionReason = reason

	switch a {
	case ActionApprove:
		exp := now.Add(time.Duration(g.TimeWindowHours) * time.Hour)
		out.GrantedAt = &now
		out.ExpiresAt = &exp
	case ActionDeny:
		out.DeniedAt = &now
	case ActionRevoke:
		out.RevokedAt = &now
		out.RevokedBy = actorID
	}
	return out, nil
}
