package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"dmailbox/models"
	"dmailbox/store"
	"dmailbox/utils"
)

// Protected guards API routes. The token carries the DID of the identity
// the caller is acting as; the identity must still be paired and the token
// version current (unpairing bumps the version, revoking old tokens).
func Protected(s store.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var token string
		authHeader := c.Get("Authorization")
		if authHeader != "" {
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid authorization format",
				})
			}
			token = tokenParts[1]
		} else {
			token = c.Cookies("access_token")
			if token == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Authorization required",
				})
			}
		}

		claims, err := utils.ParseJWTToken(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		identity, err := s.GetIdentity(c.Context(), claims.DID)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Identity not paired",
			})
		}

		if claims.TokenVersion != identity.TokenVersion {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid token version",
			})
		}

		c.Locals("identity", identity)
		c.Locals("did", identity.DID)

		return c.Next()
	}
}

// Identity pulls the authenticated identity out of the request context.
func Identity(c *fiber.Ctx) *models.Identity {
	return c.Locals("identity").(*models.Identity)
}
