// Package auth validates admin bearer tokens. Keys come from a JWKS endpoint
// serving Ed25519 keys; a test validator signs and verifies with a local key.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin grants access to the admin endpoints.
const RoleAdmin = "approvals:admin"

const testKeyID = "test"

var (
	// ErrInvalidToken covers malformed, unsigned or mis-addressed tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned for tokens past exp.
	ErrExpiredToken = errors.New("token expired")
	// ErrForbidden is returned when a valid token lacks the admin role.
	ErrForbidden = errors.New("admin role required")
)

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // X coordinate
}

// Claims are the admin token claims.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Roles   []string
}

// IsAdmin reports whether the caller holds the admin role.
func (p Principal) IsAdmin() bool {
	return slices.Contains(p.Roles, RoleAdmin)
}

// Validator checks admin tokens.
type Validator struct {
	issuer   string
	audience string
	jwksURL  string
	hc       *http.Client
	cache    *jwksCache
	now      func() time.Time

	testKey ed25519.PrivateKey
}

// jwksCache stores cached JWKS with expiration
type jwksCache struct {
	jwks      *JWKS
	expiresAt time.Time
	mutex     sync.RWMutex
}

// NewValidator creates a validator that fetches keys from jwksURL.
func NewValidator(issuer, audience, jwksURL string) *Validator {
	return &Validator{
		issuer:   issuer,
		audience: audience,
		jwksURL:  jwksURL,
		hc:       &http.Client{Timeout: 10 * time.Second},
		cache:    &jwksCache{},
		now:      time.Now,
	}
}

// NewTestValidator creates a validator with a freshly generated local key.
// Tokens minted by Mint verify against it.
func NewTestValidator(issuer, audience string) *Validator {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(fmt.Sprintf("generate test key: %v", err))
	}
	return &Validator{
		issuer:   issuer,
		audience: audience,
		cache:    &jwksCache{},
		now:      time.Now,
		testKey:  priv,
	}
}

// TestMode reports whether the validator uses a local key.
func (v *Validator) TestMode() bool { return v.testKey != nil }

// Mint signs a token with the local key. Only available in test mode.
func (v *Validator) Mint(subject string, roles []string, ttl time.Duration) (string, error) {
	if v.testKey == nil {
		return "", errors.New("mint requires test mode")
	}
	now := v.now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{v.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = testKeyID
	return token.SignedString(v.testKey)
}

// Validate verifies the token signature, issuer, audience and expiry, and
// requires the admin role.
func (v *Validator) Validate(ctx context.Context, tokenString string) (Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(token *jwt.Token) (any, error) { return v.key(ctx, token) },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(v.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Principal{}, ErrExpiredToken
	case err != nil:
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	p := Principal{Subject: claims.Subject, Roles: claims.Roles}
	if !p.IsAdmin() {
		return p, ErrForbidden
	}
	return p, nil
}

func (v *Validator) key(ctx context.Context, token *jwt.Token) (any, error) {
	if v.testKey != nil {
		return v.testKey.Public(), nil
	}
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("missing or invalid kid in JWT header")
	}
	jwk, err := v.getKey(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" || jwk.Alg != "EdDSA" {
		return nil, fmt.Errorf("unsupported key type or algorithm")
	}
	x, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil || len(x) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("failed to decode public key")
	}
	return ed25519.PublicKey(x), nil
}

// getKey finds kid in the cached set, refetching once when it is missing so
// that rotated keys are picked up.
func (v *Validator) getKey(ctx context.Context, kid string) (*JWK, error) {
	for attempt := 0; attempt < 2; attempt++ {
		jwks, err := v.getJWKS(ctx, attempt > 0)
		if err != nil {
			return nil, err
		}
		for _, key := range jwks.Keys {
			if key.Kid == kid {
				return &key, nil
			}
		}
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// getJWKS retrieves JWKS from cache or fetches fresh if needed
func (v *Validator) getJWKS(ctx context.Context, refresh bool) (*JWKS, error) {
	if !refresh {
		v.cache.mutex.RLock()
		if v.cache.jwks != nil && v.now().Before(v.cache.expiresAt) {
			jwks := v.cache.jwks
			v.cache.mutex.RUnlock()
			return jwks, nil
		}
		v.cache.mutex.RUnlock()
	}

	v.cache.mutex.Lock()
	defer v.cache.mutex.Unlock()

	// Double-check after acquiring write lock
	if !refresh && v.cache.jwks != nil && v.now().Before(v.cache.expiresAt) {
		return v.cache.jwks, nil
	}

	jwks, err := v.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	v.cache.jwks = jwks
	v.cache.expiresAt = v.now().Add(5 * time.Minute) // 5-minute cache
	return jwks, nil
}

func (v *Validator) fetchJWKS(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := v.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}
	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	return &jwks, nil
}
