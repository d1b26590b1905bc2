package auth

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// LegacyAssertion is the verified identity carried by a bearer token
// from the provider we are migrating away from. Subject is the
// provider's own user id, not a canonical account id.
type LegacyAssertion struct {
	Subject string
	Email   string
	Name    string
	Avatar  string
	Role    string
}

var ErrLegacyDisabled = errors.New("legacy provider disabled")

// LegacyVerifier verifies HS256 bearer tokens issued by the legacy
// provider during the migration window.
type LegacyVerifier struct {
	secret   []byte
	disabled bool
}

func NewLegacyVerifier(secret string, disabled bool) *LegacyVerifier {
	return &LegacyVerifier{secret: []byte(secret), disabled: disabled || secret == ""}
}

func (v *LegacyVerifier) Enabled() bool {
	return !v.disabled
}

type legacyClaims struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

func (v *LegacyVerifier) Verify(token string) (LegacyAssertion, error) {
	if v.disabled {
		return LegacyAssertion{}, ErrLegacyDisabled
	}

	var claims legacyClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return LegacyAssertion{}, ErrExpiredToken
		}
		return LegacyAssertion{}, ErrInvalidToken
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return LegacyAssertion{}, ErrInvalidToken
	}

	return LegacyAssertion{
		Subject: strings.TrimSpace(claims.Subject),
		Email:   strings.TrimSpace(claims.Email),
		Name:    strings.TrimSpace(claims.Name),
		Avatar:  strings.TrimSpace(claims.Picture),
		Role:    strings.TrimSpace(claims.Role),
	}, nil
}
