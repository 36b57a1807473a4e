// Package identity resolves the caller of a request to a canonical identity
// string. Two mutually exclusive credential schemes are supported, selected
// purely by which headers are present; every request is re-verified against
// the external provider, never cached.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated covers every verification outcome that yields no
// identity: absent credentials, malformed material, revoked sessions, issuer
// rejections. Callers cannot distinguish which scheme failed.
var ErrUnauthenticated = errors.New("identity: unauthenticated")

// Header names for the session-credential scheme.
const (
	HeaderAccessKeyID     = "X-Access-Key-Id"
	HeaderSecretAccessKey = "X-Secret-Access-Key"
	HeaderSessionToken    = "X-Session-Token"
)

// Credentials is the tagged union over the two schemes. At most one variant
// is populated.
type Credentials struct {
	// Session-credential variant
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Bearer-token variant
	BearerToken string
}

// FromRequest extracts whichever credential set the request carries. The
// session triple wins only when all three headers are present.
func FromRequest(r *http.Request) Credentials {
	var c Credentials

	ak := r.Header.Get(HeaderAccessKeyID)
	sk := r.Header.Get(HeaderSecretAccessKey)
	st := r.Header.Get(HeaderSessionToken)
	if ak != "" && sk != "" && st != "" {
		c.AccessKeyID = ak
		c.SecretAccessKey = sk
		c.SessionToken = st
		return c
	}

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		c.BearerToken = strings.TrimPrefix(auth, "Bearer ")
	}
	return c
}

func (c Credentials) HasSession() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != "" && c.SessionToken != ""
}

func (c Credentials) HasBearer() bool {
	return c.BearerToken != ""
}

// Resolver verifies one credential scheme. Implementations return the
// canonical identity string or ErrUnauthenticated; there is no partial state.
type Resolver interface {
	Resolve(ctx context.Context, creds Credentials) (string, error)
}

// Verifier dispatches to the scheme the credentials carry. Either resolver
// may be nil, which rejects that scheme outright.
type Verifier struct {
	Session Resolver
	Token   Resolver
}

func (v *Verifier) Resolve(ctx context.Context, creds Credentials) (string, error) {
	switch {
	case creds.HasSession():
		if v.Session == nil {
			return "", ErrUnauthenticated
		}
		return v.Session.Resolve(ctx, creds)
	case creds.HasBearer():
		if v.Token == nil {
			return "", ErrUnauthenticated
		}
		return v.Token.Resolve(ctx, creds)
	default:
		return "", ErrUnauthenticated
	}
}
