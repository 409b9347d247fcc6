package service

import "github.com/iliyamo/platform-auth/internal/model"

// Match selects how a Policy's roles are compared against an identity.
type Match int

const (
	// AnyOf admits identities holding at least one of the roles.
	AnyOf Match = iota
	// AllOf admits identities holding every one of the roles.
	AllOf
)

// Policy is the access requirement of one protected domain. Domains build
// theirs once at route registration time.
type Policy struct {
	Domain string
	Roles  model.RoleSet
	Match  Match
}

// NewPolicy returns an any-of policy for domain.
func NewPolicy(domain string, roles ...string) Policy {
	return Policy{Domain: domain, Roles: model.NewRoleSet(roles...)}
}

// RequireAll switches p to all-of matching.
func (p Policy) RequireAll() Policy {
	p.Match = AllOf
	return p
}

// Allow returns p with roles added.
func (p Policy) Allow(roles ...string) Policy {
	p.Roles = model.NewRoleSet(append(p.Roles.Strings(), roles...)...)
	return p
}

// RoleGate is the pure authorization predicate. It has no state and no I/O.
// An empty role set on either side never admits.
type RoleGate struct{}

// Authorize reports whether the identity holds at least one required role.
func (RoleGate) Authorize(id model.Identity, required model.RoleSet) bool {
	if len(id.Roles) == 0 || len(required) == 0 {
		return false
	}
	return id.Roles.Intersects(required)
}

// HasAll reports whether the identity holds every required role. An empty
// required set is refused rather than vacuously satisfied, so an all-of
// policy registered without roles cannot open a domain to everyone.
func (RoleGate) HasAll(id model.Identity, required model.RoleSet) bool {
	if len(id.Roles) == 0 || len(required) == 0 {
		return false
	}
	return id.Roles.ContainsAll(required)
}

// HasRole reports whether the identity holds role.
func (g RoleGate) HasRole(id model.Identity, role string) bool {
	return g.Authorize(id, model.NewRoleSet(role))
}

// Allows evaluates p against the identity.
func (g RoleGate) Allows(id model.Identity, p Policy) bool {
	if p.Match == AllOf {
		return g.HasAll(id, p.Roles)
	}
	return g.Authorize(id, p.Roles)
}
