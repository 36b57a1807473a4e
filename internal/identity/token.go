package identity

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// TokenResolver verifies the bearer-token variant against the issuer's
// published signing keys and the expected audience. Structurally invalid,
// expired or wrong-audience tokens all yield ErrUnauthenticated.
type TokenResolver struct {
	keyfunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewTokenResolver fetches the issuer's JWKS and keeps it refreshed in the
// background for the life of ctx.
func NewTokenResolver(ctx context.Context, jwksURL, issuer, audience string) (*TokenResolver, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("identity: load jwks from %s: %w", jwksURL, err)
	}
	return &TokenResolver{keyfunc: kf.Keyfunc, issuer: issuer, audience: audience}, nil
}

// NewTokenResolverWithKeyfunc skips the JWKS fetch; used by tests.
func NewTokenResolverWithKeyfunc(fn jwt.Keyfunc, issuer, audience string) *TokenResolver {
	return &TokenResolver{keyfunc: fn, issuer: issuer, audience: audience}
}

func (v *TokenResolver) Resolve(ctx context.Context, creds Credentials) (string, error) {
	token, err := jwt.Parse(creds.BearerToken, v.keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
	)
	if err != nil || !token.Valid {
		return "", ErrUnauthenticated
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrUnauthenticated
	}
	return sub, nil
}
