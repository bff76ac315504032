// Package token verifies the bearer tokens clients present during the
// websocket handshake. Tokens are minted elsewhere; this gateway only
// checks the signature, the expiry and the product binding.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken covers malformed tokens and bad signatures.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned for well-formed but stale tokens.
	ErrTokenExpired = errors.New("token expired")

	// ErrProductMismatch is returned when a token was minted for a
	// different deployment.
	ErrProductMismatch = errors.New("token product mismatch")
)

const (
	// RoleUpgrade marks migration tooling that may attach to workspaces
	// held in the upgrade window.
	RoleUpgrade = "upgrade"

	// ModeBinary asks for length-prefixed binary framing.
	ModeBinary = "binary"
)

// WorkspaceRef identifies the workspace a token grants access to.
type WorkspaceRef struct {
	Name      string `json:"name"`
	ProductID string `json:"productId"`
	URL       string `json:"url,omitempty"`
}

// Claims is the payload carried by a gateway bearer token.
type Claims struct {
	Email     string       `json:"email"`
	Workspace WorkspaceRef `json:"workspace"`
	Role      string       `json:"role,omitempty"`
	Mode      string       `json:"mode,omitempty"`
	Admin     bool         `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// IsUpgrade reports whether the token belongs to migration tooling.
func (c *Claims) IsUpgrade() bool {
	return c.Role == RoleUpgrade
}

// IsBinary reports whether the client asked for binary framing.
func (c *Claims) IsBinary() bool {
	return c.Mode == ModeBinary
}

// Verifier checks bearer tokens against an HMAC secret and a product id.
type Verifier struct {
	secret    []byte
	productID string
}

// NewVerifier creates a Verifier. productID may be empty to skip the
// product binding check (tests only).
func NewVerifier(secret string, productID string) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		productID: productID,
	}
}

// Verify parses and validates a token string. It returns typed claims on
// success; on failure the error wraps one of the package sentinels.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Workspace.Name == "" {
		return nil, fmt.Errorf("%w: missing workspace", ErrInvalidToken)
	}
	if v.productID != "" && claims.Workspace.ProductID != v.productID {
		return nil, fmt.Errorf("%w: token for %q, this deployment is %q",
			ErrProductMismatch, claims.Workspace.ProductID, v.productID)
	}

	return claims, nil
}

// Sign mints a token for the given claims. The gateway never issues tokens
// in production; this exists for tests.
func Sign(secret string, claims *Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
