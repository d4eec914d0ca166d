package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims extend standard JWT claims with the actor's authorization
// attributes. Tokens are minted by the identity collaborator and verified
// at the kernel boundary; the claims ARE the attribute source, so a verified
// token needs no further directory round trip.
type Claims struct {
	jwt.RegisteredClaims
	TenantID     string   `json:"tenant_id,omitempty"`
	TrustScore   float64  `json:"trust_score"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// TokenManager mints and verifies actor tokens with tenant-derived HMAC keys.
type TokenManager struct {
	keyring *Keyring
	issuer  string
	now     func() time.Time
}

// NewTokenManager creates a TokenManager over a keyring.
func NewTokenManager(keyring *Keyring, issuer string) *TokenManager {
	if issuer == "" {
		issuer = "meridian/identity"
	}
	return &TokenManager{keyring: keyring, issuer: issuer, now: time.Now}
}

// Mint creates a signed token carrying the actor's attributes.
func (tm *TokenManager) Mint(attrs Attributes, ttl time.Duration) (string, error) {
	key, err := tm.keyring.KeyFor(attrs.TenantID)
	if err != nil {
		return "", err
	}

	now := tm.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   attrs.ActorID,
			Issuer:    tm.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID:     attrs.TenantID,
		TrustScore:   attrs.TrustScore,
		Capabilities: attrs.Capabilities,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

// Verify parses and validates a token, returning the embedded attributes.
// The tenant key is selected from the unverified tenant claim and then the
// signature proves the claim was minted under that tenant's key.
func (tm *TokenManager) Verify(tokenString string) (Attributes, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
		}
		c, ok := t.Claims.(*Claims)
		if !ok {
			return nil, fmt.Errorf("identity: unexpected claims type")
		}
		return tm.keyring.KeyFor(c.TenantID)
	}, jwt.WithIssuer(tm.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return Attributes{}, fmt.Errorf("identity: token rejected: %w", err)
	}
	if !token.Valid {
		return Attributes{}, fmt.Errorf("identity: token invalid")
	}

	return Attributes{
		ActorID:      claims.Subject,
		TenantID:     claims.TenantID,
		TrustScore:   claims.TrustScore,
		Capabilities: claims.Capabilities,
	}, nil
}
