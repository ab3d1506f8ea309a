package core

import (
	"certchain/pkg/domain"
)

// Transition is a validated lifecycle step ready to be submitted to the ledger.
type Transition struct {
	Action          domain.Action
	From            domain.Status
	To              domain.Status
	Slot            domain.JournalSlot
	AssignInspector bool
	AssignCertifier bool
}

type transitionRule struct {
	role         domain.Role
	from         map[domain.Status]struct{}
	to           domain.Status
	slot         domain.JournalSlot
	creatorOnly  bool
	inspectorKey bool
	certifierKey bool
}

var transitionRules = map[domain.Action]transitionRule{
	domain.ActionMarkInProgress: {
		role:         domain.RoleInspector,
		from:         toSet(domain.StatusPending),
		to:           domain.StatusInProgress,
		slot:         domain.SlotInspectorInProgress,
		inspectorKey: true,
	},
	domain.ActionApprove: {
		role:         domain.RoleInspector,
		from:         toSet(domain.StatusPending, domain.StatusInProgress),
		to:           domain.StatusApproved,
		slot:         domain.SlotInspectorApproved,
		inspectorKey: true,
	},
	domain.ActionReject: {
		role:         domain.RoleInspector,
		from:         toSet(domain.StatusPending, domain.StatusInProgress),
		to:           domain.StatusRejected,
		slot:         domain.SlotInspectorRejected,
		inspectorKey: true,
	},
	domain.ActionCertify: {
		role:         domain.RoleCertifier,
		from:         toSet(domain.StatusApproved),
		to:           domain.StatusCertified,
		slot:         domain.SlotCertifierCertified,
		certifierKey: true,
	},
	domain.ActionRevert: {
		role:        domain.RoleProducer,
		from:        toSet(domain.StatusPending, domain.StatusInProgress, domain.StatusApproved, domain.StatusRejected),
		to:          domain.StatusReverted,
		slot:        domain.SlotCreatorReverted,
		creatorOnly: true,
	},
}

// transitionOrder fixes the order in which AvailableActions reports actions.
var transitionOrder = []domain.Action{
	domain.ActionMarkInProgress,
	domain.ActionApprove,
	domain.ActionReject,
	domain.ActionCertify,
	domain.ActionRevert,
}

// StateMachine validates lifecycle transitions. It performs no I/O.
type StateMachine struct{}

// AuthorizeCreate checks that actor may submit new requests.
func (StateMachine) AuthorizeCreate(actor domain.Actor) error {
	if actor.Role != domain.RoleProducer || actor.ID == "" {
		return domain.ForbiddenError{Role: actor.Role, Action: domain.ActionCreate}
	}
	return nil
}

// Validate checks role first, then workflow position. Role and ownership
// failures yield ForbiddenError regardless of the current status; a permitted
// role acting from the wrong status yields IllegalTransitionError, or
// ConflictError when the action's journal slot is already filled.
func (StateMachine) Validate(req domain.CertificationRequest, actor domain.Actor, action domain.Action) (Transition, error) {
	rule, ok := transitionRules[action]
	if !ok {
		return Transition{}, domain.ValidationError{Field: "action", Message: "unsupported action " + string(action)}
	}
	if err := rule.authorize(req, actor, action); err != nil {
		return Transition{}, err
	}
	if _, ok := rule.from[req.Status]; !ok {
		// A filled slot means this action already happened: the caller lost a race.
		if ref, err := req.Journal.Get(rule.slot); err == nil && ref != nil {
			return Transition{}, domain.ConflictError{RequestID: req.ID, Reason: "journal slot " + string(rule.slot) + " already recorded"}
		}
		return Transition{}, domain.IllegalTransitionError{RequestID: req.ID, Current: req.Status, Action: action}
	}
	return Transition{
		Action:          action,
		From:            req.Status,
		To:              rule.to,
		Slot:            rule.slot,
		AssignInspector: rule.inspectorKey && req.InspectorID == nil,
		AssignCertifier: rule.certifierKey,
	}, nil
}

// AvailableActions lists the actions actor could take on req right now.
func (m StateMachine) AvailableActions(req domain.CertificationRequest, actor domain.Actor) []domain.Action {
	var out []domain.Action
	for _, action := range transitionOrder {
		if _, err := m.Validate(req, actor, action); err == nil {
			out = append(out, action)
		}
	}
	return out
}

func (r transitionRule) authorize(req domain.CertificationRequest, actor domain.Actor, action domain.Action) error {
	forbidden := domain.ForbiddenError{RequestID: req.ID, Role: actor.Role, Action: action}
	if actor.Role != r.role || actor.ID == "" {
		return forbidden
	}
	if r.creatorOnly && actor.ID != req.CreatorID {
		forbidden.Reason = "only the creator may perform this action"
		return forbidden
	}
	if r.inspectorKey && req.InspectorID != nil && *req.InspectorID != actor.ID {
		forbidden.Reason = "request is assigned to another inspector"
		return forbidden
	}
	return nil
}

func toSet(values ...domain.Status) map[domain.Status]struct{} {
	set := make(map[domain.Status]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
