package auth

import (
	"fmt"
	"sort"
)

const (
	PermJobsSubmit     = "jobs.submit"
	PermJobsRead       = "jobs.read"
	PermRecipesRead    = "recipes.read"
	PermWorkspaceClear = "workspace.clear"
)

// Permissions lists every permission id a role may grant.
var Permissions = []string{PermJobsSubmit, PermJobsRead, PermRecipesRead, PermWorkspaceClear}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Principal is an authenticated caller.
type Principal struct {
	ActorID string
	Roles   []string
}

// Policy maps roles to the permissions they grant.
type Policy struct {
	roles map[string]map[string]bool
}

// NewPolicy builds a policy from role -> permission ids. Unknown permission ids are rejected.
func NewPolicy(roles map[string][]string) (Policy, error) {
	known := make(map[string]bool, len(Permissions))
	for _, p := range Permissions {
		known[p] = true
	}
	out := Policy{roles: make(map[string]map[string]bool, len(roles))}
	for role, perms := range roles {
		set := make(map[string]bool, len(perms))
		for _, p := range perms {
			if !known[p] {
				return Policy{}, fmt.Errorf("role %s grants unknown permission %s", role, p)
			}
			set[p] = true
		}
		out.roles[role] = set
	}
	return out, nil
}

func (p Policy) HasPermission(principal Principal, perm string) bool {
	for _, r := range principal.Roles {
		if p.roles[r][perm] {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError unless principal holds perm.
func (p Policy) Require(principal Principal, perm string) error {
	if p.HasPermission(principal, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

// PermissionsOf lists the distinct permissions granted to principal, sorted.
func (p Policy) PermissionsOf(principal Principal) []string {
	set := map[string]bool{}
	for _, r := range principal.Roles {
		for perm := range p.roles[r] {
			set[perm] = true
		}
	}
	out := make([]string, 0, len(set))
	for perm := range set {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}

// KnownRole reports whether role is defined.
func (p Policy) KnownRole(role string) bool {
	_, ok := p.roles[role]
	return ok
}
