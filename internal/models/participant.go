package models

// Role is the part a participant plays in a verification call.
type Role string

const (
	// RoleSubject is the participant being verified; streams camera frames.
	RoleSubject Role = "subject"
	// RoleReviewer observes scores and alerts; sends heartbeats only.
	RoleReviewer Role = "reviewer"
)

// Account roles as issued by the auth collaborator (JWT "role" claim).
const (
	AccountRoleAdmin  = "admin"
	AccountRoleHost   = "host"
	AccountRoleClient = "client"
)

// RoleFromAccount maps an account role to a call role: host and admin review, everyone else is verified.
func RoleFromAccount(accountRole string) Role {
	switch accountRole {
	case AccountRoleAdmin, AccountRoleHost:
		return RoleReviewer
	default:
		return RoleSubject
	}
}
