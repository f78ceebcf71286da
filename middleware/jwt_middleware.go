package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"leadflow/utils"
)

// Protected verifies the operator's access token. The token subject is stored
// in Locals("subject") and recorded as CreatedBy / SentBy by the handlers.
func Protected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Try to get token from Authorization header first
		var token string
		authHeader := c.Get("Authorization")
		if authHeader != "" {
			// Check if it's a Bearer token
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid authorization format",
				})
			}
			token = tokenParts[1]
		} else {
			// Fall back to cookie if header not present
			token = c.Cookies("access_token")
			if token == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Authorization required",
				})
			}
		}

		claims, err := utils.ParseJWTToken(secret, token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals("subject", claims.Subject)
		c.Locals("claims", claims)

		return c.Next()
	}
}

// Subject returns the verified operator id, or "" outside a protected route
func Subject(c *fiber.Ctx) string {
	subject, _ := c.Locals("subject").(string)
	return subject
}
