package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	// RoleOperator owns campaigns and may start, pause and resume them.
	RoleOperator = "operator"
	// RoleAnalyst reads progress, call logs and summaries of its own campaigns.
	RoleAnalyst = "analyst"
	// RoleFinance may top up wallets.
	RoleFinance    = "finance"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// CanAccessOwner reports whether a caller may act on resources of ownerID.
func CanAccessOwner(userID, role, ownerID string) bool {
	return IsSuperAdmin(role) || (userID != "" && userID == ownerID)
}
