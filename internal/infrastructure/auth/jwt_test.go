package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
)

func signToken(t *testing.T, secret string, header, claims map[string]any) string {
	t.Helper()
	rawHeader, _ := json.Marshal(header)
	rawClaims, _ := json.Marshal(claims)
	head := base64.RawURLEncoding.EncodeToString(rawHeader)
	body := base64.RawURLEncoding.EncodeToString(rawClaims)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(head + "." + body))
	return head + "." + body + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestTenantClaimValidToken(t *testing.T) {
	v := NewClaimsVerifier("s3cret", "tenant")
	token := signToken(t, "s3cret",
		map[string]any{"alg": "HS256", "typ": "JWT"},
		map[string]any{"tenant": "team-a", "sub": "u1"},
	)
	tenant, ok := v.TenantClaim("Bearer " + token)
	if !ok || tenant != "team-a" {
		t.Fatalf("tenant = %q, ok = %v", tenant, ok)
	}
}

func TestTenantClaimBadSignature(t *testing.T) {
	v := NewClaimsVerifier("s3cret", "tenant")
	token := signToken(t, "wrong-secret",
		map[string]any{"alg": "HS256"},
		map[string]any{"tenant": "team-a"},
	)
	if _, ok := v.TenantClaim("Bearer " + token); ok {
		t.Fatal("forged token accepted")
	}
}

func TestTenantClaimRejectsNonHS256(t *testing.T) {
	v := NewClaimsVerifier("s3cret", "tenant")
	token := signToken(t, "s3cret",
		map[string]any{"alg": "none"},
		map[string]any{"tenant": "team-a"},
	)
	if _, ok := v.TenantClaim("Bearer " + token); ok {
		t.Fatal("alg=none accepted")
	}
}

func TestTenantClaimMalformedInputs(t *testing.T) {
	v := NewClaimsVerifier("s3cret", "tenant")
	for _, authz := range []string{
		"",
		"Bearer ",
		"Bearer not-a-jwt",
		"Basic dXNlcjpwdw==",
	} {
		if _, ok := v.TenantClaim(authz); ok {
			t.Fatalf("accepted %q", authz)
		}
	}
}

func TestTenantClaimEmptySecretDisabled(t *testing.T) {
	v := NewClaimsVerifier("", "tenant")
	token := signToken(t, "", map[string]any{"alg": "HS256"}, map[string]any{"tenant": "x"})
	if _, ok := v.TenantClaim("Bearer " + token); ok {
		t.Fatal("verifier must be disabled without a secret")
	}
}

func TestTenantClaimCustomClaimKey(t *testing.T) {
	v := NewClaimsVerifier("s3cret", "org")
	token := signToken(t, "s3cret",
		map[string]any{"alg": "HS256"},
		map[string]any{"org": "acme", "tenant": "ignored"},
	)
	tenant, ok := v.TenantClaim("Bearer " + token)
	if !ok || tenant != "acme" {
		t.Fatalf("tenant = %q", tenant)
	}
}
