package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by a bearer credential. The record in the store is
// authoritative; the token only names it.
type Claims struct {
	DeviceType string `json:"dev,omitempty"`
	jwt.RegisteredClaims
}

// AuthToken signs and verifies credential JWTs with HS256.
type AuthToken struct {
	secretKey []byte
	issuer    string
}

// NewAuthToken builds a token helper using the provided secret.
func NewAuthToken(secretKey string) (*AuthToken, error) {
	if secretKey == "" {
		return nil, errors.New("auth token secret cannot be empty")
	}
	return &AuthToken{secretKey: []byte(secretKey), issuer: "m-sync"}, nil
}

// Sign issues a JWT for a credential record.
func (at *AuthToken) Sign(credentialID, accountID, deviceType string, issuedAt time.Time, expiresAt *time.Time) (string, error) {
	claims := Claims{
		DeviceType: deviceType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       credentialID,
			Subject:  accountID,
			Issuer:   at.issuer,
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
	}
	if expiresAt != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*expiresAt)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(at.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse validates signature, issuer and expiry and returns the claims.
func (at *AuthToken) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return at.secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(at.issuer),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrCredentialExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid || claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalidCredential
	}
	return claims, nil
}
