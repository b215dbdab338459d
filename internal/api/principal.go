package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/seantiz/gantry/internal/engine"
)

// Headers set by the authenticating proxy in front of the gateway.
const (
	headerOrgID = "X-Org-ID"
	headerRole  = "X-Role"

	roleSuperAdmin = "SUPER_ADMIN"
)

type principalKey struct{}

// principalMiddleware reads the caller's identity from proxy headers.
// Authorization decisions are left to the controllers.
func principalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := engine.Principal{
			OrgID:      strings.TrimSpace(r.Header.Get(headerOrgID)),
			SuperAdmin: strings.EqualFold(strings.TrimSpace(r.Header.Get(headerRole)), roleSuperAdmin),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// principalFrom returns the principal stored by principalMiddleware.
func principalFrom(ctx context.Context) engine.Principal {
	p, _ := ctx.Value(principalKey{}).(engine.Principal)
	return p
}
