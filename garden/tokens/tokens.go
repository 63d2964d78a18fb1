// Package tokens issues and verifies the signed credentials of the garden
// platform: short-lived device tokens and account tokens carrying the
// account's claimed-garden set as a custom claim.
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrInvalidToken is returned by Verify for any token that does not pass
// verification: bad signature, expired, malformed. The underlying cause is
// wrapped so it can be logged, but callers must not leak it to clients.
var ErrInvalidToken = errors.New("invalid token")

// DeviceSubjectPrefix is the subject prefix of device tokens.
const DeviceSubjectPrefix = "garden_"

// Claims are the custom claims of a garden token.
type Claims struct {
	// IoTDevice is true on device tokens.
	IoTDevice bool `json:"iotDevice,omitempty"`
	// ClaimedGardens is the set of device serials claimed by the
	// account, on account tokens.
	ClaimedGardens []string `json:"claimedGardens,omitempty"`
	jwt.RegisteredClaims
}

// Issuer issues and verifies HS256-signed tokens.
type Issuer struct {
	secret   []byte
	lifetime time.Duration
}

// Builder is a builder helper for the Issuer
type Builder struct {
	// SigningSecret is the process-wide signing secret. This is mandatory.
	SigningSecret string
	// TokenLifetime is the nominal validity of issued tokens.
	// Defaults to one hour.
	TokenLifetime time.Duration
}

// NewIssuer realizes the token issuer.
func NewIssuer(b *Builder) *Issuer {
	if len(b.SigningSecret) == 0 {
		panic("signing secret is missing")
	}
	lifetime := b.TokenLifetime
	if lifetime == 0 {
		lifetime = time.Hour
	}
	return &Issuer{secret: []byte(b.SigningSecret), lifetime: lifetime}
}

// Lifetime returns the nominal validity of issued tokens.
func (i *Issuer) Lifetime() time.Duration {
	return i.lifetime
}

// IssueDeviceToken issues a device token for serial, valid from now for the
// issuer's token lifetime. The subject is "garden_<serial>" and the token
// carries the iotDevice marker claim.
func (i *Issuer) IssueDeviceToken(serial string, now time.Time) (string, error) {
	claims := Claims{
		IoTDevice: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   DeviceSubjectPrefix + serial,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.lifetime)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// IssueAccountToken issues an account token for accountID carrying the
// claimed-garden set as a custom claim.
func (i *Issuer) IssueAccountToken(accountID string, claimedGardens []string, now time.Time) (string, error) {
	claims := Claims{
		ClaimedGardens: claimedGardens,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.lifetime)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify verifies a signed token and returns its claims. All verification
// failures are reported as ErrInvalidToken.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
