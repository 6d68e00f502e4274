package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// RolePlatformOperator tokens may omit tenant_id; the request picks the tenant.
const RolePlatformOperator = "platform_operator"

// Claims are issued by the identity service. ClassSections, when present,
// restricts a teacher to the listed class sections.
type Claims struct {
	UserID        string   `json:"user_id"`
	Role          string   `json:"role"`
	TenantID      string   `json:"tenant_id"`
	Permissions   []string `json:"permissions,omitempty"`
	ClassSections []string `json:"class_sections,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks access tokens signed either with RS256 (when a public key
// is configured) or with the shared HS256 secret.
type Verifier struct {
	secret    []byte
	publicKey *rsa.PublicKey
	issuer    string
}

func NewVerifier(secret, publicKeyPEM, issuer string) (*Verifier, error) {
	v := &Verifier{issuer: issuer}
	if publicKeyPEM != "" {
		key, err := ParseRSAPublicKey(publicKeyPEM)
		if err != nil {
			return nil, err
		}
		v.publicKey = key
		return v, nil
	}
	if secret == "" {
		return nil, errors.New("missing_jwt_secret")
	}
	v.secret = []byte(secret)
	return v, nil
}

func (v *Verifier) ParseToken(tokenString string) (*Claims, error) {
	method := jwt.SigningMethodHS256.Alg()
	var key interface{} = v.secret
	if v.publicKey != nil {
		method = jwt.SigningMethodRS256.Alg()
		key = v.publicKey
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return key, nil
	}, options...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.UserID == "" || (claims.TenantID == "" && claims.Role != RolePlatformOperator) {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func ParseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid_public_key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		publicKey, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("invalid_public_key_type")
		}
		return publicKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, errors.New("invalid_public_key")
	}
}
