package auth

import (
	"errors"
	"strings"
)

var (
	ErrNotConfigured = errors.New("authentication not configured")
	ErrInvalidToken  = errors.New("invalid or expired token")
)

// Principal is the authenticated caller
type Principal struct {
	UserID string
	Email  string
	Name   string
	// Tier is the plan label carried by the token, empty when absent.
	Tier string
}

// Authenticator verifies bearer tokens with Zitadel JWKS first and falls
// back to legacy HMAC tokens when a secret is configured.
type Authenticator struct {
	verifier TokenVerifier
	secret   string
}

func NewAuthenticator(verifier TokenVerifier, secret string) *Authenticator {
	return &Authenticator{verifier: verifier, secret: secret}
}

// Configured reports whether any verification method is available.
func (a *Authenticator) Configured() bool {
	return a.verifier != nil || a.secret != ""
}

// Authenticate returns the principal of a raw token.
func (a *Authenticator) Authenticate(token string) (*Principal, error) {
	if !a.Configured() {
		return nil, ErrNotConfigured
	}
	if a.verifier != nil {
		if claims, err := a.verifier.Validate(token); err == nil {
			return claims.Principal(), nil
		}
	}
	if a.secret != "" {
		if claims, err := ValidateLegacyToken(token, a.secret); err == nil {
			return claims.Principal(), nil
		}
	}
	return nil, ErrInvalidToken
}

// BearerToken extracts the token of an "Authorization: Bearer x" header.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// tierLabel picks the explicit tier claim, else derives one from roles.
func tierLabel(tier string, roles []string) string {
	if tier != "" {
		return tier
	}
	for _, r := range roles {
		switch strings.ToLower(r) {
		case "premium", "elevated", "pro":
			return "elevated"
		}
	}
	return ""
}
