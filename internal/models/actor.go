package models

type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleCashier    Role = "cashier"
	RoleSales      Role = "sales"
)

// Actor is the caller identity, already verified upstream.
type Actor struct {
	ActorID string `json:"actor_id"`
	Role    Role   `json:"role"`
}
