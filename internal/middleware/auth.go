package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/lucidgrid/basis/internal/database"
	"github.com/lucidgrid/basis/internal/utils"
	"gorm.io/gorm"
)

// SessionCookie is the browser session cookie name.
const SessionCookie = "session_id"

// APIKeyHeader authenticates service-to-service calls.
const APIKeyHeader = "X-Api-Key"

// Authenticate resolves the caller from the session cookie or an API key
// and stores the principal in the request locals. Anonymous requests pass
// through; route guards decide what needs a user.
func Authenticate(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if sid := c.Cookies(SessionCookie); sid != "" {
			var s database.Session
			err := db.Where("id = ? AND expires_at > ?", sid, time.Now()).First(&s).Error
			if err == nil {
				c.Locals("uid", s.UserID)
				c.Locals("company_id", s.CompanyID)
				c.Locals("lang", s.Lang)
				c.Locals("session", s.ID)
			}
		}
		if key := c.Get(APIKeyHeader); key != "" && c.Locals("uid") == nil {
			var k database.APIKey
			err := db.Where("key = ? AND active = ?", key, true).First(&k).Error
			if err == nil {
				c.Locals("uid", k.UserID)
			}
		}
		return c.Next()
	}
}

// RequireUser rejects anonymous requests.
func RequireUser() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Locals("uid") == nil {
			return utils.ErrorResponse(c, "authentication required", fiber.StatusUnauthorized, "auth")
		}
		return c.Next()
	}
}

// UID returns the authenticated user id, zero for anonymous callers.
func UID(c *fiber.Ctx) uint64 {
	if v, ok := c.Locals("uid").(uint64); ok {
		return v
	}
	return 0
}

// CompanyID returns the session company, zero when unset.
func CompanyID(c *fiber.Ctx) uint64 {
	if v, ok := c.Locals("company_id").(uint64); ok {
		return v
	}
	return 0
}

// Lang returns the session language, empty when unset.
func Lang(c *fiber.Ctx) string {
	if v, ok := c.Locals("lang").(string); ok {
		return v
	}
	return ""
}
