// Package authz holds the pure access-control predicates consulted before
// ticket reads and writes. Handlers translate a false result into a 403;
// nothing here touches the store.
package authz

// User roles. Agents and admins have cross-ticket visibility; customers are
// limited to tickets they created.
const (
	RoleCustomer = "customer"
	RoleAgent    = "agent"
	RoleAdmin    = "admin"
)

// ValidRole reports whether s is one of the three known roles.
func ValidRole(s string) bool {
	return s == RoleCustomer || s == RoleAgent || s == RoleAdmin
}

// Identity is the requester as established by the auth middleware.
type Identity struct {
	ID   string
	Role string
}

// TicketRefs carries the ownership fields of a ticket that access decisions
// depend on.
type TicketRefs struct {
	CreatorID  string
	AssigneeID *string
}

// Staff reports whether the identity has cross-ticket visibility.
func Staff(id Identity) bool {
	return id.Role == RoleAgent || id.Role == RoleAdmin
}

// CanReadTicket reports whether the identity may view the ticket. Staff read
// everything; customers read only their own tickets.
func CanReadTicket(id Identity, t TicketRefs) bool {
	return Staff(id) || id.ID == t.CreatorID
}

// CanEditTicket reports whether the identity may change ticket fields
// (status, priority, category, assignment, title, description). The rule is
// the same as for reads: owners and staff.
func CanEditTicket(id Identity, t TicketRefs) bool {
	return CanReadTicket(id, t)
}

// Assignable reports whether a user with the given role and active flag may
// be set as a ticket assignee.
func Assignable(role string, active bool) bool {
	return active && (role == RoleAgent || role == RoleAdmin)
}

// HasRole reports whether the identity's role is among allowed.
func HasRole(id Identity, allowed ...string) bool {
	for _, r := range allowed {
		if id.Role == r {
			return true
		}
	}
	return false
}
