package store

import "qms/counter-service/internal/models"

type Transition struct {
	From models.Status
	To   models.Status
}

type transitionTable map[models.Status][]models.Status

var validTransitions = transitionTable{
	models.StatusWaiting:    {models.StatusServing, models.StatusCancelled},
	models.StatusServing:    {models.StatusProcessing, models.StatusCompleted, models.StatusCancelled},
	models.StatusProcessing: {models.StatusCompleted, models.StatusCancelled},
}

// roleTransitions grants transitions per role. A role missing from the map,
// or a transition missing from its table, is denied.
var roleTransitions = map[models.Role]transitionTable{
	models.RoleSuperAdmin: validTransitions,
	models.RoleAdmin:      validTransitions,
	models.RoleCashier: {
		models.StatusWaiting:    {models.StatusServing, models.StatusCancelled},
		models.StatusServing:    {models.StatusProcessing, models.StatusCompleted, models.StatusCancelled},
		models.StatusProcessing: {models.StatusCompleted, models.StatusCancelled},
	},
	models.RoleSales: {},
}

// managerRoles may run queue-wide and ledger-correcting operations.
var managerRoles = map[models.Role]bool{
	models.RoleSuperAdmin: true,
	models.RoleAdmin:      true,
}

// settlementRoles may commit settlements.
var settlementRoles = map[models.Role]bool{
	models.RoleSuperAdmin: true,
	models.RoleAdmin:      true,
	models.RoleCashier:    true,
}

func (t transitionTable) allows(from, to models.Status) bool {
	for _, status := range t[from] {
		if status == to {
			return true
		}
	}
	return false
}

func ValidTransition(from, to models.Status) bool {
	return validTransitions.allows(from, to)
}

func RoleAllows(role models.Role, from, to models.Status) bool {
	table, ok := roleTransitions[role]
	if !ok {
		return false
	}
	return table.allows(from, to)
}

// CheckTransition validates the move itself first, then the caller's grant.
func CheckTransition(role models.Role, from, to models.Status) error {
	if !ValidTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	if !RoleAllows(role, from, to) {
		return &AccessDeniedError{Role: role, From: from, To: to}
	}
	return nil
}

func RequireManager(role models.Role, action string) error {
	if managerRoles[role] {
		return nil
	}
	return &AccessDeniedError{Role: role, Action: action}
}

func RequireSettlementRole(role models.Role) error {
	if settlementRoles[role] {
		return nil
	}
	return &AccessDeniedError{Role: role, Action: "commit settlements"}
}
