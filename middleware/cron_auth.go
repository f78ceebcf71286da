package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
)

// CronAuth guards the scheduler endpoint with a shared Bearer secret.
// An empty secret rejects every request.
func CronAuth(secret string) fiber.Handler {
	expected := []byte("Bearer " + secret)
	return func(c *fiber.Ctx) error {
		got := []byte(c.Get("Authorization"))
		if secret == "" || subtle.ConstantTimeCompare(got, expected) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized",
			})
		}
		return c.Next()
	}
}
