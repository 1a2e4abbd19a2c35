package identity

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPaseto_RoundTrip(t *testing.T) {
	t.Parallel()

	secret, public := GeneratePasetoKeys()
	iss, err := NewPasetoIssuer(secret, "tandem-test")
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	if iss.PublicKeyHex() != public {
		t.Fatalf("public key mismatch")
	}
	v, err := NewPasetoVerifier(PasetoConfig{PublicKeyHex: public, Issuer: "tandem-test", ClockSkew: time.Second})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	now := time.Now().UTC()
	tok, exp := iss.Issue("alice", time.Minute, now)

	p, err := v.Verify(tok, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.UserID != "alice" || p.ExpiresAt.Unix() != exp.Unix() {
		t.Fatalf("principal=%+v exp=%v", p, exp)
	}

	if _, err := v.Verify(tok, now.Add(2*time.Minute)); !IsUnauthenticated(err) {
		t.Fatalf("expired token: err=%v", err)
	}
	if _, err := v.Verify(tok+"x", now); !IsUnauthenticated(err) {
		t.Fatalf("tampered token: err=%v", err)
	}
}

func TestPaseto_RejectsForeignIssuerAndKey(t *testing.T) {
	t.Parallel()

	secret, public := GeneratePasetoKeys()
	otherSecret, _ := GeneratePasetoKeys()
	now := time.Now().UTC()

	v, err := NewPasetoVerifier(PasetoConfig{PublicKeyHex: public, Issuer: "tandem"})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	wrongIss, _ := NewPasetoIssuer(secret, "someone-else")
	tok, _ := wrongIss.Issue("alice", time.Minute, now)
	if _, err := v.Verify(tok, now); !IsUnauthenticated(err) {
		t.Fatalf("wrong issuer accepted: %v", err)
	}

	wrongKey, _ := NewPasetoIssuer(otherSecret, "tandem")
	tok, _ = wrongKey.Issue("alice", time.Minute, now)
	if _, err := v.Verify(tok, now); !IsUnauthenticated(err) {
		t.Fatalf("wrong key accepted: %v", err)
	}

	bad, _ := NewPasetoIssuer(secret, "tandem")
	tok, _ = bad.Issue("not a uid", time.Minute, now)
	if _, err := v.Verify(tok, now); !IsUnauthenticated(err) {
		t.Fatalf("malformed uid accepted: %v", err)
	}

	if _, err := NewPasetoVerifier(PasetoConfig{PublicKeyHex: "zz"}); err != ErrConfig {
		t.Fatalf("bad key hex: err=%v", err)
	}
}

func TestJWT(t *testing.T) {
	t.Parallel()

	secret := strings.Repeat("k", 32)
	v, err := NewJWTVerifier(JWTConfig{Secret: secret, Issuer: "idp"})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	now := time.Now().UTC()

	tok, err := SignJWT(secret, "idp", "bob", time.Minute, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p, err := v.Verify(tok, now)
	if err != nil || p.UserID != "bob" {
		t.Fatalf("verify: p=%+v err=%v", p, err)
	}

	if _, err := v.Verify(tok, now.Add(time.Hour)); !IsUnauthenticated(err) {
		t.Fatalf("expired: err=%v", err)
	}
	other, _ := SignJWT(strings.Repeat("z", 32), "idp", "bob", time.Minute, now)
	if _, err := v.Verify(other, now); !IsUnauthenticated(err) {
		t.Fatalf("wrong secret: err=%v", err)
	}
	wrongIss, _ := SignJWT(secret, "elsewhere", "bob", time.Minute, now)
	if _, err := v.Verify(wrongIss, now); !IsUnauthenticated(err) {
		t.Fatalf("wrong issuer: err=%v", err)
	}

	if _, err := NewJWTVerifier(JWTConfig{Secret: "short"}); err == nil {
		t.Fatalf("short secret accepted")
	}
}

func TestBearerProvider(t *testing.T) {
	t.Parallel()

	secret := strings.Repeat("s", 40)
	v, _ := NewJWTVerifier(JWTConfig{Secret: secret})
	now := time.Now().UTC()
	tok, _ := SignJWT(secret, "", "carol", time.Minute, now)

	p := BearerProvider{Verifier: v, AllowQuery: true}

	r := httptest.NewRequest("GET", "/v1/matches", nil)
	r.Header.Set("Authorization", "bearer "+tok)
	if got, err := p.Authenticate(r); err != nil || got.UserID != "carol" {
		t.Fatalf("header: %+v %v", got, err)
	}

	r = httptest.NewRequest("GET", "/ws?access_token="+tok, nil)
	if got, err := p.Authenticate(r); err != nil || got.UserID != "carol" {
		t.Fatalf("query: %+v %v", got, err)
	}

	p.AllowQuery = false
	if _, err := p.Authenticate(r); !IsUnauthenticated(err) {
		t.Fatalf("query disabled: err=%v", err)
	}

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Basic abc")
	if _, err := p.Authenticate(r); !IsUnauthenticated(err) {
		t.Fatalf("basic scheme: err=%v", err)
	}
}

func TestHeaderProvider(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set(DefaultUserHeader, "  dave ")
	p, err := HeaderProvider{}.Authenticate(r)
	if err != nil || p.UserID != "dave" {
		t.Fatalf("header: %+v %v", p, err)
	}

	r.Header.Set(DefaultUserHeader, "da:ve")
	if _, err := (HeaderProvider{}).Authenticate(r); !IsUnauthenticated(err) {
		t.Fatalf("malformed: err=%v", err)
	}
}
