package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/binlens/binlens/internal/apierr"
)

type ctxKey struct{}

var principalKey = ctxKey{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext recovers the Principal attached by WithPrincipal, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// extractBearer pulls the raw key from the Authorization header or the
// api_key query parameter.
func extractBearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("api_key")
}

// PublicPaths are endpoints that allow anonymous access when no key is
// presented.
var PublicPaths = map[string]bool{
	"/api/v1/health":      true,
	"/api/v1/health/ready": true,
	"/api/v1/health/live":  true,
}

// Authorize resolves the request's principal per section 4.6: extract,
// hash-lookup, status/expiry check, last-used touch. It does not attach the
// principal to the request context; the caller does (see WithPrincipal).
func (s *Store) Authorize(r *http.Request) (Principal, error) {
	raw := extractBearer(r)
	if raw == "" {
		if PublicPaths[r.URL.Path] {
			return Principal{Anonymous: true, UserID: clientIP(r)}, nil
		}
		return Principal{}, apierr.Authentication("missing API key")
	}

	key, err := s.Lookup(r.Context(), raw)
	if err != nil {
		return Principal{}, apierr.Internal("auth lookup failed")
	}
	if key == nil {
		return Principal{}, apierr.Authentication("invalid API key")
	}
	if key.Status != KeyStatusActive {
		return Principal{}, apierr.Authentication("API key revoked")
	}
	if key.Expired(time.Now().UTC()) {
		return Principal{}, apierr.Authentication("API key expired")
	}

	_ = s.TouchLastUsed(r.Context(), raw)

	return Principal{
		UserID:      key.UserID,
		Tier:        key.Tier,
		Permissions: key.Permissions,
		KeyID:       key.KeyID,
	}, nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}

// RequirePermission returns an error unless p carries perm.
func RequirePermission(p Principal, perm Permission) error {
	if p.Anonymous || !p.HasPermission(perm) {
		return apierr.Authorization("missing required permission: " + string(perm))
	}
	return nil
}

// RequireTier returns an error unless p's tier is at least min.
func RequireTier(p Principal, min Tier) error {
	if p.Anonymous || !p.Tier.AtLeast(min) {
		return apierr.Authorization("requires tier " + string(min) + " or higher")
	}
	return nil
}
