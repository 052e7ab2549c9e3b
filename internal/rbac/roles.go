package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	// RoleOwner is the person whose calls are screened.
	RoleOwner = "owner"
	// RoleDelegate reads an owner's screened calls (assistant, family member) but cannot delete them.
	RoleDelegate = "delegate"
	RoleAdmin    = "admin"
	RoleSupport  = "support" // hidden role
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsHiddenRole(role string) bool { return role == RoleSupport }
