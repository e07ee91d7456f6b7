package authpolicy

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/holesch/not-my-board/internal/core"
)

// OIDC verifies bearer tokens against an OIDC issuer and derives
// roles from a configurable claim, grounded on the teacher's
// internal/middleware/oidc.go (provider.Verifier built once at
// startup, closing over a per-request verify call).
type OIDC struct {
	verifier  *oidc.IDTokenVerifier
	roleClaim string
}

// NewOIDC initializes an OIDC AuthPolicy against issuer, accepting
// tokens whose "aud" claim contains clientID. roleClaim names the
// token claim holding the list of role strings ("exporter",
// "importer") granted to the subject.
func NewOIDC(ctx context.Context, issuer, clientID, roleClaim string) (*OIDC, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("authpolicy: init oidc provider: %w", err)
	}

	return &OIDC{
		verifier:  provider.Verifier(&oidc.Config{ClientID: clientID}),
		roleClaim: roleClaim,
	}, nil
}

// Authenticate implements core.AuthPolicy.
func (o *OIDC) Authenticate(bearerToken, remoteIP string) (core.Principal, error) {
	if bearerToken == "" {
		return core.Principal{}, core.NewDomainError(core.CodeAuth, "missing bearer token")
	}

	idToken, err := o.verifier.Verify(context.Background(), bearerToken)
	if err != nil {
		return core.Principal{}, core.NewDomainError(core.CodeAuth, "invalid token: %s", err)
	}

	raw := map[string]any{}
	if err := idToken.Claims(&raw); err != nil {
		return core.Principal{}, core.NewDomainError(core.CodeAuth, "malformed claims: %s", err)
	}

	roles := make(map[core.Role]struct{})
	if v, ok := raw[o.roleClaim]; ok {
		if list, ok := v.([]any); ok {
			for _, r := range list {
				s, ok := r.(string)
				if !ok {
					continue
				}
				switch s {
				case "exporter":
					roles[core.RoleExporter] = struct{}{}
				case "importer":
					roles[core.RoleImporter] = struct{}{}
				}
			}
		}
	}

	return core.Principal{
		Subject: idToken.Subject,
		IP:      remoteIP,
		Roles:   roles,
	}, nil
}
