package access

import (
	"strings"

	"coursegate/internal/types"
)

// Action is what the caller does with a decision.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionLoading  Action = "loading"
	ActionRedirect Action = "redirect"
)

// Reasons explain a decision in logs and responses.
const (
	ReasonLoading      = "loading"
	ReasonPublic       = "public"
	ReasonSignInNeeded = "not_signed_in"
	ReasonNotPaid      = "not_paid"
	ReasonAlreadyPaid  = "already_paid"
	ReasonAllowListed  = "allow_listed"
	ReasonEntitled     = "entitled"
)

// Facts is the session state a decision is made from.
type Facts struct {
	Identity  *types.Identity
	HasPaid   bool
	IsLoading bool
}

// Decision is the outcome for one route. Location is set for redirects.
type Decision struct {
	Action   Action `json:"action"`
	Location string `json:"location,omitempty"`
	Reason   string `json:"reason"`
	Class    Class  `json:"route_class"`
}

// Metrics is the subset of the collector access reports to.
type Metrics interface {
	AccessDecided(action string)
}

// AllowList is the set of administrator emails that are treated as
// entitled regardless of the payment ledger.
type AllowList struct {
	emails map[string]struct{}
}

// NewAllowList builds an allow-list. Emails are compared case-insensitively.
func NewAllowList(emails ...string) *AllowList {
	a := &AllowList{emails: make(map[string]struct{}, len(emails))}
	for _, e := range emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			a.emails[e] = struct{}{}
		}
	}
	return a
}

// Contains reports whether identity is allow-listed.
func (a *AllowList) Contains(identity *types.Identity) bool {
	if a == nil || identity == nil {
		return false
	}
	_, ok := a.emails[strings.ToLower(strings.TrimSpace(identity.Email))]
	return ok
}

// Len returns the number of allow-listed emails.
func (a *AllowList) Len() int {
	if a == nil {
		return 0
	}
	return len(a.emails)
}

// Policy evaluates the route guard.
type Policy struct {
	routes  *RouteTable
	paths   Paths
	admins  *AllowList
	metrics Metrics
}

// NewPolicy creates a Policy. A nil table uses DefaultRoutes(paths).
func NewPolicy(routes *RouteTable, paths Paths, admins *AllowList, metrics Metrics) *Policy {
	if routes == nil {
		routes = DefaultRoutes(paths)
	}
	return &Policy{
		routes:  routes,
		paths:   paths,
		admins:  admins,
		metrics: metrics,
	}
}

// Routes returns the table the policy classifies with.
func (p *Policy) Routes() *RouteTable { return p.routes }

// Paths returns the configured redirect targets.
func (p *Policy) Paths() Paths { return p.paths }

// Decide evaluates target, a path with optional query, against f.
//
// While the session is loading no decision is made. Public routes are
// allowed. Protected routes without an identity redirect to sign-up with
// target remembered. Paid routes without entitlement redirect to pricing.
// Pages marked ForwardWhenPaid send entitled visitors to the course entry.
func (p *Policy) Decide(target string, f Facts) Decision {
	d := p.decide(target, f)
	if p.metrics != nil {
		p.metrics.AccessDecided(string(d.Action))
	}
	return d
}

func (p *Policy) decide(target string, f Facts) Decision {
	route := p.routes.Lookup(target)

	if f.IsLoading {
		return Decision{Action: ActionLoading, Reason: ReasonLoading, Class: route.Class}
	}

	hasIdentity := f.Identity != nil
	entitled := f.HasPaid || p.admins.Contains(f.Identity)

	if route.ForwardWhenPaid && hasIdentity && entitled {
		return Decision{Action: ActionRedirect, Location: p.paths.CourseEntry, Reason: ReasonAlreadyPaid, Class: route.Class}
	}

	switch route.Class {
	case AuthOnly, PaidOnly:
		if !hasIdentity {
			return Decision{
				Action:   ActionRedirect,
				Location: withNext(p.paths.Signup, SanitizeNext(target)),
				Reason:   ReasonSignInNeeded,
				Class:    route.Class,
			}
		}
		if route.Class == PaidOnly && !f.HasPaid {
			if p.admins.Contains(f.Identity) {
				return Decision{Action: ActionAllow, Reason: ReasonAllowListed, Class: route.Class}
			}
			return Decision{
				Action:   ActionRedirect,
				Location: withNext(p.paths.Pricing, SanitizeNext(target)),
				Reason:   ReasonNotPaid,
				Class:    route.Class,
			}
		}
		return Decision{Action: ActionAllow, Reason: ReasonEntitled, Class: route.Class}
	default:
		return Decision{Action: ActionAllow, Reason: ReasonPublic, Class: route.Class}
	}
}

// NextAfterAuth returns the remembered path to continue to after sign-in
// or payment. Invalid paths, and the sign-up page itself, fall back to
// the course entry.
func (p *Policy) NextAfterAuth(next string) string {
	next = SanitizeNext(next)
	if next == "" {
		return p.paths.CourseEntry
	}
	if p.routes.Lookup(next).Pattern == p.paths.Signup {
		return p.paths.CourseEntry
	}
	return next
}
