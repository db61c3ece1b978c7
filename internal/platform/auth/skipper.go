package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// InfraRoutes are the health and metrics routes load balancers and scrapers
// call without a token.
var InfraRoutes = []string{"/health", "/health/*", "/metrics"}

// PublicRoutes is the set of registered routes served without a bearer
// token. An entry ending in "/*" matches every route below that prefix.
type PublicRoutes struct {
	exact    map[string]struct{}
	prefixes []string
}

func NewPublicRoutes(routes ...string) *PublicRoutes {
	p := &PublicRoutes{exact: make(map[string]struct{}, len(routes))}
	for _, r := range routes {
		if prefix, ok := strings.CutSuffix(r, "/*"); ok {
			p.prefixes = append(p.prefixes, prefix+"/")
			continue
		}
		p.exact[r] = struct{}{}
	}
	return p
}

// Allows reports whether route, an echo route pattern, is public.
func (p *PublicRoutes) Allows(route string) bool {
	if _, ok := p.exact[route]; ok {
		return true
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(route, prefix) {
			return true
		}
	}
	return false
}

// Skip is a JWTConfig.Skipper. It matches the route pattern, so path
// parameters cannot smuggle a private route past it.
func (p *PublicRoutes) Skip(c echo.Context) bool {
	return p.Allows(c.Path())
}
