package assignment

// Action is something an actor may do to an assignment at its current gate.
type Action string

const (
	ActionApprove     Action = "approve"
	ActionDeny        Action = "deny"
	ActionRequestInfo Action = "request_info"
	ActionProvideInfo Action = "provide_info"
	ActionAddNote     Action = "add_note"
)

// Actions is an ordered set of actions.
type Actions []Action

func (s Actions) Has(action Action) bool {
	for _, a := range s {
		if a == action {
			return true
		}
	}
	return false
}

// gateRule is one row of the gate table.
type gateRule struct {
	owner Role
	// next is the gate an approval moves to. The company gate is the last one;
	// approvals there advance the stage instead.
	next Gate
	// answerer is the role asked to respond when the owner requests info.
	answerer Role
}

// gateTable is the single source of truth for who acts at each gate. The
// engine authorizes against it and Permitted derives display sets from it.
var gateTable = map[Gate]gateRule{
	GateCandidateRecruiter: {owner: RoleCandidateRecruiter, next: GateCompanyRecruiter, answerer: RoleCompanyRecruiter},
	GateCompanyRecruiter:   {owner: RoleCompanyRecruiter, next: GateCompany, answerer: RoleCandidateRecruiter},
	GateCompany:            {owner: RoleCompany, next: GateCompany, answerer: RoleCandidateRecruiter},
}

var (
	ownerActions    = Actions{ActionApprove, ActionDeny, ActionRequestInfo, ActionAddNote}
	answererActions = Actions{ActionProvideInfo, ActionAddNote}
)

// View is the slice of assignment state the resolver looks at.
type View struct {
	Gate  Gate
	Stage Stage
	State State
	// Requester is the role that raised the outstanding info request, empty
	// when none is open.
	Requester Role
}

// ViewOf extracts the resolver view from an assignment.
func ViewOf(a Assignment) View {
	v := View{Gate: a.Gate, Stage: a.Stage, State: a.State}
	if req, ok := a.OutstandingRequest(); ok {
		v.Requester = req.ActorRole
	}
	return v
}

// answererFor returns the counterpart asked by a request raised by requester.
func answererFor(requester Role) (Role, bool) {
	for _, rule := range gateTable {
		if rule.owner == requester {
			return rule.answerer, true
		}
	}
	return "", false
}

// grant pairs a role with the actions it holds at a view.
type grant struct {
	role    Role
	actions Actions
}

func grantsAt(v View) []grant {
	rule, ok := gateTable[v.Gate]
	if !ok {
		return nil
	}
	grants := []grant{{role: rule.owner, actions: ownerActions}}
	if v.Requester != "" {
		if answerer, ok := answererFor(v.Requester); ok {
			grants = append(grants, grant{role: answerer, actions: answererActions})
		}
	}
	return grants
}

// ActingRole returns the role under which roles may perform action at v,
// ignoring state preconditions. The gate owner wins when an actor holds both.
func ActingRole(v View, roles []Role, action Action) (Role, bool) {
	for _, g := range grantsAt(v) {
		if !g.actions.Has(action) {
			continue
		}
		for _, r := range roles {
			if r == g.role {
				return r, true
			}
		}
	}
	return "", false
}

// Grants returns the role-based action set for roles at v. The engine
// authorizes against this set and reports state preconditions separately.
func Grants(v View, roles []Role) Actions {
	out := Actions{}
	for _, action := range []Action{ActionApprove, ActionDeny, ActionRequestInfo, ActionProvideInfo, ActionAddNote} {
		if _, ok := ActingRole(v, roles, action); ok {
			out = append(out, action)
		}
	}
	return out
}

// Permitted returns the actions roles can successfully take right now. It is
// Grants filtered by state and is what display layers should show.
func Permitted(v View, roles []Role) Actions {
	if v.State.Terminal() {
		return Actions{}
	}
	out := Actions{}
	for _, action := range Grants(v, roles) {
		if v.State == StateInfoRequested && (action == ActionApprove || action == ActionRequestInfo) {
			continue
		}
		out = append(out, action)
	}
	return out
}
