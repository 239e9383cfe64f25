// Package access decides whether a visitor may see a route, must wait for
// session state to resolve, or is redirected to sign-up or pricing.
package access

import (
	"sort"
	"strings"
)

// Class is the protection level of a route.
type Class string

const (
	Public   Class = "public"
	AuthOnly Class = "auth_only"
	PaidOnly Class = "paid_only"
)

// Route classifies a path or, with Prefix, a subtree.
type Route struct {
	Pattern string
	Prefix  bool
	Class   Class
	// ForwardWhenPaid sends signed-in, paid visitors on to the course
	// entry instead of showing this page.
	ForwardWhenPaid bool
}

func (r Route) matches(path string) bool {
	if !r.Prefix {
		return path == r.Pattern
	}
	if r.Pattern == "/" {
		return true
	}
	return path == r.Pattern || strings.HasPrefix(path, strings.TrimSuffix(r.Pattern, "/")+"/")
}

// RouteTable resolves paths to routes. The most specific match wins;
// unmatched paths are Public.
type RouteTable struct {
	routes []Route
}

// NewRouteTable creates a table. Routes are matched exact-first, then by
// the longest prefix.
func NewRouteTable(routes ...Route) *RouteTable {
	sorted := append([]Route(nil), routes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Prefix != sorted[j].Prefix {
			return !sorted[i].Prefix
		}
		return len(sorted[i].Pattern) > len(sorted[j].Pattern)
	})
	return &RouteTable{routes: sorted}
}

// Paths are the site locations the decision redirects to.
type Paths struct {
	Signup        string
	Pricing       string
	CourseEntry   string
	PaymentReturn string
}

// DefaultPaths returns the paths used when none are configured.
func DefaultPaths() Paths {
	return Paths{
		Signup:        "/signup",
		Pricing:       "/pricing",
		CourseEntry:   "/course",
		PaymentReturn: "/payment/return",
	}
}

// DefaultRoutes is the site map: marketing pages, sign-up and payment
// return are public, the course index and lessons are paid.
func DefaultRoutes(p Paths) *RouteTable {
	return NewRouteTable(
		Route{Pattern: "/", Class: Public},
		Route{Pattern: p.Pricing, Class: Public},
		Route{Pattern: p.Signup, Class: Public, ForwardWhenPaid: true},
		Route{Pattern: p.PaymentReturn, Class: Public},
		Route{Pattern: "/reset-password", Class: Public},
		Route{Pattern: p.CourseEntry, Prefix: true, Class: PaidOnly},
	)
}

// Lookup returns the route for path. The query string, if any, is ignored.
func (t *RouteTable) Lookup(path string) Route {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	for _, r := range t.routes {
		if r.matches(path) {
			return r
		}
	}
	return Route{Pattern: path, Class: Public}
}

// Classify returns the class of path.
func (t *RouteTable) Classify(path string) Class {
	return t.Lookup(path).Class
}
