package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/songgen/internal/auth"
	"github.com/makeasinger/songgen/pkg/response"
)

// GatewayAuthMiddleware reads user identity from X-User-* headers
// set by Traefik ForwardAuth and populates Fiber context locals.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		setPrincipal(c, &auth.Principal{
			UserID: userID,
			Email:  c.Get("X-User-Email"),
			Name:   c.Get("X-User-Name"),
			Tier:   c.Get("X-User-Tier"),
		})
		return c.Next()
	}
}
