// Package authpolicy implements core.AuthPolicy. It mirrors the
// teacher's internal/middleware/oidc.go shape (an OIDC verifier built
// once at startup, closing over a connectrpc.com/authn-style
// authenticate function) but adapted to the plain bearer-token
// Authenticate(token, ip) signature the control channel uses instead
// of an http.Request-bound middleware.
package authpolicy

import "github.com/holesch/not-my-board/internal/core"

// Permissive grants both the exporter and importer roles to every
// peer regardless of token. It is the hub's default when no OIDC
// issuer is configured, matching deployments that rely entirely on
// network-level trust.
type Permissive struct{}

// NewPermissive returns a Permissive AuthPolicy.
func NewPermissive() Permissive { return Permissive{} }

// Authenticate implements core.AuthPolicy.
func (Permissive) Authenticate(bearerToken, remoteIP string) (core.Principal, error) {
	return core.Principal{
		Subject: "anonymous",
		IP:      remoteIP,
		Roles: map[core.Role]struct{}{
			core.RoleExporter: {},
			core.RoleImporter: {},
		},
	}, nil
}
