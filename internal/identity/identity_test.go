package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestFromRequest_SessionVariant(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set(HeaderAccessKeyID, "AKIA123")
	r.Header.Set(HeaderSecretAccessKey, "secret")
	r.Header.Set(HeaderSessionToken, "token")

	c := FromRequest(r)
	if !c.HasSession() {
		t.Fatalf("Expected session variant, got %+v", c)
	}
	if c.HasBearer() {
		t.Errorf("Expected bearer variant unset")
	}
}

func TestFromRequest_BearerVariant(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("Authorization", "Bearer eyJ.token.here")

	c := FromRequest(r)
	if !c.HasBearer() {
		t.Fatalf("Expected bearer variant, got %+v", c)
	}
	if c.BearerToken != "eyJ.token.here" {
		t.Errorf("Unexpected token %q", c.BearerToken)
	}
}

func TestFromRequest_PartialTripleIsNotSession(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set(HeaderAccessKeyID, "AKIA123")
	// secret and session token missing

	c := FromRequest(r)
	if c.HasSession() {
		t.Errorf("Expected incomplete triple to be rejected")
	}
}

type staticResolver struct {
	id  string
	err error
}

func (s *staticResolver) Resolve(ctx context.Context, creds Credentials) (string, error) {
	return s.id, s.err
}

func TestVerifier_NoCredentials(t *testing.T) {
	v := &Verifier{
		Session: &staticResolver{id: "session-user"},
		Token:   &staticResolver{id: "token-user"},
	}

	_, err := v.Resolve(context.Background(), Credentials{})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Expected ErrUnauthenticated for anonymous request, got %v", err)
	}
}

func TestVerifier_DispatchesByVariant(t *testing.T) {
	v := &Verifier{
		Session: &staticResolver{id: "session-user"},
		Token:   &staticResolver{id: "token-user"},
	}

	id, err := v.Resolve(context.Background(), Credentials{
		AccessKeyID: "ak", SecretAccessKey: "sk", SessionToken: "st",
	})
	if err != nil || id != "session-user" {
		t.Errorf("Expected session-user, got %q err=%v", id, err)
	}

	id, err = v.Resolve(context.Background(), Credentials{BearerToken: "tok"})
	if err != nil || id != "token-user" {
		t.Errorf("Expected token-user, got %q err=%v", id, err)
	}
}

func TestVerifier_MissingResolverRejects(t *testing.T) {
	v := &Verifier{Session: &staticResolver{id: "session-user"}}

	_, err := v.Resolve(context.Background(), Credentials{BearerToken: "tok"})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Expected ErrUnauthenticated when token resolver absent, got %v", err)
	}
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return token
}

func testKeyfunc(key *rsa.PrivateKey) jwt.Keyfunc {
	return func(*jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}
}

func TestTokenResolver_ValidToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	v := NewTokenResolverWithKeyfunc(testKeyfunc(key), "https://issuer.example.com", "gateway")
	tok := signToken(t, key, jwt.MapClaims{
		"iss": "https://issuer.example.com",
		"aud": "gateway",
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	id, err := v.Resolve(context.Background(), Credentials{BearerToken: tok})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if id != "user-42" {
		t.Errorf("Expected user-42, got %q", id)
	}
}

func TestTokenResolver_Rejections(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	v := NewTokenResolverWithKeyfunc(testKeyfunc(key), "https://issuer.example.com", "gateway")

	cases := map[string]jwt.MapClaims{
		"expired": {
			"iss": "https://issuer.example.com", "aud": "gateway", "sub": "u",
			"exp": time.Now().Add(-time.Hour).Unix(),
		},
		"wrong audience": {
			"iss": "https://issuer.example.com", "aud": "someone-else", "sub": "u",
			"exp": time.Now().Add(time.Hour).Unix(),
		},
		"wrong issuer": {
			"iss": "https://evil.example.com", "aud": "gateway", "sub": "u",
			"exp": time.Now().Add(time.Hour).Unix(),
		},
		"no expiration": {
			"iss": "https://issuer.example.com", "aud": "gateway", "sub": "u",
		},
		"no subject": {
			"iss": "https://issuer.example.com", "aud": "gateway",
			"exp": time.Now().Add(time.Hour).Unix(),
		},
	}

	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			tok := signToken(t, key, claims)
			_, err := v.Resolve(context.Background(), Credentials{BearerToken: tok})
			if !errors.Is(err, ErrUnauthenticated) {
				t.Errorf("Expected ErrUnauthenticated, got %v", err)
			}
		})
	}
}

func TestTokenResolver_Garbage(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	v := NewTokenResolverWithKeyfunc(testKeyfunc(key), "iss", "aud")

	_, err := v.Resolve(context.Background(), Credentials{BearerToken: "not-a-jwt"})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Expected ErrUnauthenticated for garbage token, got %v", err)
	}
}

func TestSTSResolver_ParsesPrincipal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			t.Errorf("Expected signed request")
		}
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, `<GetCallerIdentityResponse xmlns="https://sts.amazonaws.com/doc/2011-06-15/">
  <GetCallerIdentityResult>
    <Arn>arn:aws:iam::245279632520:user/byen</Arn>
    <UserId>AIDA123</UserId>
    <Account>245279632520</Account>
  </GetCallerIdentityResult>
  <ResponseMetadata><RequestId>req-1</RequestId></ResponseMetadata>
</GetCallerIdentityResponse>`)
	}))
	defer server.Close()

	v := NewSTSResolver("us-east-1", server.URL)
	id, err := v.Resolve(context.Background(), Credentials{
		AccessKeyID: "AKIA123", SecretAccessKey: "secret", SessionToken: "token",
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if id != "byen" {
		t.Errorf("Expected byen, got %q", id)
	}
}

func TestSTSResolver_BackendRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `<ErrorResponse><Error><Code>InvalidClientTokenId</Code><Message>The security token included in the request is invalid.</Message></Error></ErrorResponse>`)
	}))
	defer server.Close()

	v := NewSTSResolver("us-east-1", server.URL)
	_, err := v.Resolve(context.Background(), Credentials{
		AccessKeyID: "AKIA123", SecretAccessKey: "bad", SessionToken: "bad",
	})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Expected ErrUnauthenticated, got %v", err)
	}
}

func TestPrincipalName(t *testing.T) {
	cases := map[string]string{
		"arn:aws:iam::245279632520:user/byen":                "byen",
		"arn:aws:sts::245279632520:assumed-role/chat/sess-1": "sess-1",
		"arn:aws:iam::245279632520:root":                     "",
		"trailing/":                                          "",
	}
	for arn, want := range cases {
		if got := principalName(arn); got != want {
			t.Errorf("principalName(%q) = %q, want %q", arn, got, want)
		}
	}
}

func TestMiddleware_StampsIdentityAndRequestID(t *testing.T) {
	v := &Verifier{Token: &staticResolver{id: "user-42"}}
	mw := NewMiddleware(v)

	var gotIdentity, gotRequestID string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdentity = GetIdentity(r.Context())
		gotRequestID = GetRequestID(r.Context())
	}))

	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if gotIdentity != "user-42" {
		t.Errorf("Expected identity user-42, got %q", gotIdentity)
	}
	if gotRequestID == "" {
		t.Errorf("Expected a generated request id")
	}
	if w.Header().Get("X-Request-ID") != gotRequestID {
		t.Errorf("Expected X-Request-ID header to match context value")
	}
}

func TestMiddleware_RejectsAnonymous(t *testing.T) {
	v := &Verifier{}
	mw := NewMiddleware(v)

	called := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	r := httptest.NewRequest("POST", "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	if called {
		t.Errorf("Expected next handler to be skipped")
	}
}
