package escrow

import (
	"fmt"
	"strings"
)

// Event is something that asks an escrow to change status.
type Event string

const (
	EventFund    Event = "fund"    // custody balance reached the total
	EventCancel  Event = "cancel"  // buyer withdraws before funding
	EventExpire  Event = "expire"  // time-locked deadline passed
	EventRelease Event = "release" // buyer pays the seller
	EventRefund  Event = "refund"  // buyer takes the funds back
	EventDispute Event = "dispute"
	EventSettle  Event = "settle" // release transfer confirmed
	EventAbort   Event = "abort"  // release given up, funds still in custody
	EventResolve Event = "resolve"
)

// Role is the capacity in which an actor triggers an event.
type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleSeller  Role = "seller"
	RoleArbiter Role = "arbiter"
	RoleSystem  Role = "system"
)

// SystemActor is the actor recorded for timer and retry driven changes.
const SystemActor = "system"

// transitions is the complete table of legal moves. Anything absent is
// rejected with ErrInvalidStateTransition.
var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventFund:   StatusFunded,
		EventCancel: StatusCancelled,
		EventExpire: StatusExpired,
	},
	StatusFunded: {
		EventRelease: StatusReleasing,
		EventRefund:  StatusRefunded,
		EventDispute: StatusDisputed,
		EventExpire:  StatusExpired,
	},
	StatusReleasing: {
		EventSettle: StatusReleased,
		EventAbort:  StatusFunded,
	},
	StatusDisputed: {
		EventResolve: StatusResolved,
	},
}

// allowedRoles says who may trigger each event.
var allowedRoles = map[Event][]Role{
	EventFund:    {RoleSystem},
	EventCancel:  {RoleBuyer},
	EventExpire:  {RoleSystem},
	EventRelease: {RoleBuyer},
	EventRefund:  {RoleBuyer},
	EventDispute: {RoleBuyer, RoleSeller},
	EventSettle:  {RoleSystem},
	EventAbort:   {RoleSystem},
	EventResolve: {RoleArbiter},
}

// Next returns the status event leads to from current, or
// ErrInvalidStateTransition.
func Next(current Status, event Event) (Status, error) {
	if to, ok := transitions[current][event]; ok {
		return to, nil
	}
	return "", fmt.Errorf("%w: cannot %s from %s", ErrInvalidStateTransition, event, current)
}

// CanTransition reports whether event is legal from current.
func CanTransition(current Status, event Event) bool {
	_, ok := transitions[current][event]
	return ok
}

// RolesOf returns every role actor holds on e. An actor can be both an
// arbiter and a party only if misconfigured; all roles are returned.
func RolesOf(e *Escrow, actor string, arbiters map[string]bool) []Role {
	actor = strings.ToLower(strings.TrimSpace(actor))
	if actor == SystemActor {
		return []Role{RoleSystem}
	}
	var roles []Role
	if actor == e.BuyerAddr {
		roles = append(roles, RoleBuyer)
	}
	if actor == e.SellerAddr {
		roles = append(roles, RoleSeller)
	}
	if arbiters[actor] {
		roles = append(roles, RoleArbiter)
	}
	return roles
}

// Authorize checks that actor may trigger event on e.
func Authorize(e *Escrow, event Event, actor string, arbiters map[string]bool) error {
	held := RolesOf(e, actor, arbiters)
	for _, want := range allowedRoles[event] {
		for _, have := range held {
			if want == have {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s may not %s", ErrUnauthorized, actor, event)
}

// Check authorizes the actor first, then the transition. Neither touches e.
func Check(e *Escrow, event Event, actor string, arbiters map[string]bool) (Status, error) {
	if err := Authorize(e, event, actor, arbiters); err != nil {
		return "", err
	}
	if event == EventExpire && e.Type != TypeTimeLocked {
		return "", fmt.Errorf("%w: only time-locked escrows expire", ErrInvalidStateTransition)
	}
	return Next(e.Status, event)
}

// milestoneTransitions covers the per-milestone lifecycle inside a funded
// milestone escrow. Release is driven by the settlement protocol.
var milestoneTransitions = map[MilestoneStatus]map[Event]MilestoneStatus{
	MilestonePending:   {EventMilestoneActivate: MilestoneActive},
	MilestoneActive:    {EventMilestoneComplete: MilestoneCompleted},
	MilestoneCompleted: {EventRelease: MilestoneReleased},
}

// Milestone events.
const (
	EventMilestoneActivate Event = "activate" // buyer starts work on a milestone
	EventMilestoneComplete Event = "complete" // seller reports it done
)

var milestoneRoles = map[Event]Role{
	EventMilestoneActivate: RoleBuyer,
	EventMilestoneComplete: RoleSeller,
	EventRelease:           RoleBuyer,
}

// CheckMilestone authorizes and validates a milestone event.
func CheckMilestone(e *Escrow, m *Milestone, event Event, actor string) (MilestoneStatus, error) {
	want := milestoneRoles[event]
	authorized := false
	for _, r := range RolesOf(e, actor, nil) {
		if r == want {
			authorized = true
		}
	}
	if !authorized {
		return "", fmt.Errorf("%w: %s may not %s milestone", ErrUnauthorized, actor, event)
	}
	if e.Type != TypeMilestone {
		return "", fmt.Errorf("%w: escrow has no milestones", ErrInvalidStateTransition)
	}
	if e.Status != StatusFunded {
		return "", fmt.Errorf("%w: escrow is %s, milestones need funded", ErrInvalidStateTransition, e.Status)
	}
	to, ok := milestoneTransitions[m.Status][event]
	if !ok {
		return "", fmt.Errorf("%w: cannot %s milestone from %s", ErrInvalidStateTransition, event, m.Status)
	}
	return to, nil
}
