package middleware

import (
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/songgen/internal/auth"
	"github.com/makeasinger/songgen/pkg/response"
)

// Locals keys set by the auth middlewares
const (
	localUserID = "userId"
	localEmail  = "email"
	localName   = "name"
	localTier   = "tier"
)

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	authenticator *auth.Authenticator
}

func NewAuthMiddleware(authenticator *auth.Authenticator) *AuthMiddleware {
	return &AuthMiddleware{authenticator: authenticator}
}

// Authenticate validates the bearer token and stores the caller in locals.
// Websocket upgrades may pass the token as ?token= since browsers cannot
// set headers on them.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := auth.BearerToken(c.Get(fiber.HeaderAuthorization))
		if !ok && websocket.IsWebSocketUpgrade(c) {
			token = c.Query("token")
			ok = token != ""
		}
		if !ok {
			if c.Get(fiber.HeaderAuthorization) == "" {
				return response.Unauthorized(c, "Missing authorization header")
			}
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		p, err := m.authenticator.Authenticate(token)
		if errors.Is(err, auth.ErrNotConfigured) {
			return response.Unauthorized(c, "Authentication not configured")
		}
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		setPrincipal(c, p)
		return c.Next()
	}
}

func setPrincipal(c *fiber.Ctx, p *auth.Principal) {
	c.Locals(localUserID, p.UserID)
	c.Locals(localEmail, p.Email)
	c.Locals(localName, p.Name)
	c.Locals(localTier, p.Tier)
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals(localUserID).(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals(localEmail).(string); ok {
		return email
	}
	return ""
}

// GetUserTier returns the tier label carried by the caller's token, if any.
func GetUserTier(c *fiber.Ctx) string {
	if tier, ok := c.Locals(localTier).(string); ok {
		return tier
	}
	return ""
}
