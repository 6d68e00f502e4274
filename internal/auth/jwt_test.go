package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testClaims(issuer string, ttl time.Duration) Claims {
	now := time.Now()
	return Claims{
		UserID:      "b6f0a7a4-5d1c-4f6e-9a59-1f2d3c4b5a60",
		Role:        "teacher",
		TenantID:    "0b1e5c8e-3f0a-4d55-8a4c-55e1f2b0c9d1",
		Permissions: []string{"attendance:mark"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

func TestVerifierHS256RoundTrip(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, testClaims("issuer", time.Minute)).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	v, err := NewVerifier("secret", "", "issuer")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	claims, err := v.ParseToken(token)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if claims.Role != "teacher" || len(claims.Permissions) != 1 || claims.Permissions[0] != "attendance:mark" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	other, _ := NewVerifier("other-secret", "", "issuer")
	if _, err := other.ParseToken(token); err == nil {
		t.Fatalf("expected signature mismatch to fail")
	}
	wrongIssuer, _ := NewVerifier("secret", "", "someone-else")
	if _, err := wrongIssuer.ParseToken(token); err == nil {
		t.Fatalf("expected issuer mismatch to fail")
	}
}

func TestVerifierRejectsExpired(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, testClaims("", -time.Minute)).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	v, _ := NewVerifier("secret", "", "")
	if _, err := v.ParseToken(token); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestVerifierRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	publicPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	v, err := NewVerifier("", publicPEM, "")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, testClaims("", time.Minute)).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.ParseToken(token); err != nil {
		t.Fatalf("parse error: %v", err)
	}

	hsToken, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, testClaims("", time.Minute)).SignedString([]byte("secret"))
	if _, err := v.ParseToken(hsToken); err == nil {
		t.Fatalf("expected HS256 token to be rejected when a public key is configured")
	}
}

func TestVerifierRequiresTenant(t *testing.T) {
	claims := testClaims("", time.Minute)
	claims.TenantID = ""
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	v, _ := NewVerifier("secret", "", "")
	if _, err := v.ParseToken(token); err == nil {
		t.Fatalf("expected token without tenant to fail")
	}

	claims.Role = RolePlatformOperator
	token, _ = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	parsed, err := v.ParseToken(token)
	if err != nil {
		t.Fatalf("operator token without tenant: %v", err)
	}
	if parsed.TenantID != "" {
		t.Fatalf("unexpected tenant %q", parsed.TenantID)
	}
}

func TestNewVerifierErrors(t *testing.T) {
	if _, err := NewVerifier("", "", ""); err == nil {
		t.Fatalf("expected missing secret to fail")
	}
	if _, err := NewVerifier("", "not a pem", ""); err == nil {
		t.Fatalf("expected invalid public key to fail")
	}
}
