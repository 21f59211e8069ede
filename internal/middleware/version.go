package middleware

import (
	"github.com/gofiber/fiber/v2"
)

// VersionMiddleware resolves the X-Api-Version header for the dataset routes
// and stores it under "apiVersion". Missing and short forms normalize to the
// current full version.
func VersionMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		version := c.Get("X-Api-Version", "1.0.0")
		if version == "1.0" {
			version = "1.0.0"
		}
		c.Locals("apiVersion", version)
		return c.Next()
	}
}
