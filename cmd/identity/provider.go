package identity

import (
	"context"
	"net/http"
	"strings"
	"time"

	"tandem/cmd/internal/domain"
)

// Principal is an authenticated caller.
type Principal struct {
	UserID    string
	ExpiresAt time.Time
}

// Provider authenticates an incoming request.
type Provider interface {
	Authenticate(r *http.Request) (Principal, error)
}

// TokenVerifier turns a bearer token into a Principal.
type TokenVerifier interface {
	Verify(token string, now time.Time) (Principal, error)
}

// BearerProvider reads the token from "Authorization: Bearer <t>" and, for browser
// WebSocket clients that cannot set headers, from the access_token query parameter.
type BearerProvider struct {
	Verifier   TokenVerifier
	AllowQuery bool
	Now        func() time.Time
}

// Authenticate implements Provider.
func (p BearerProvider) Authenticate(r *http.Request) (Principal, error) {
	tok := BearerToken(r)
	if tok == "" && p.AllowQuery {
		tok = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if tok == "" {
		return Principal{}, reject("bearer", "missing token")
	}
	now := time.Now().UTC()
	if p.Now != nil {
		now = p.Now()
	}
	return p.Verifier.Verify(tok, now)
}

// BearerToken extracts the token of an "Authorization: Bearer" header, or "".
func BearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	scheme, tok, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

// DefaultUserHeader is the header HeaderProvider reads by default.
const DefaultUserHeader = "X-User-ID"

// HeaderProvider trusts a user id header set by an upstream proxy.
// Never expose it directly to clients.
type HeaderProvider struct {
	Header string
}

// Authenticate implements Provider.
func (p HeaderProvider) Authenticate(r *http.Request) (Principal, error) {
	name := p.Header
	if name == "" {
		name = DefaultUserHeader
	}
	uid, err := domain.NormalizeUserID("identity.Header", r.Header.Get(name))
	if err != nil {
		return Principal{}, reject("header", "missing or malformed "+name)
	}
	return Principal{UserID: uid}, nil
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the Principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.UserID != ""
}

// validUID applies the user id rules to a claim.
func validUID(scheme, uid string) (string, error) {
	uid, err := domain.NormalizeUserID("identity."+scheme, uid)
	if err != nil {
		return "", reject(scheme, "malformed user id claim")
	}
	return uid, nil
}
