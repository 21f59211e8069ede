package server

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/lucidgrid/basis/internal/database"
	"github.com/lucidgrid/basis/internal/middleware"
	"github.com/lucidgrid/basis/internal/orm"
	"github.com/lucidgrid/basis/internal/utils"
	"gorm.io/gorm"
)

type authRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// handleAuthenticate verifies credentials against res.users and opens a
// session bound to the user's company and language.
// @Summary Authenticate and open a session
// @Accept json
// @Produce json
// @Param credentials body authRequest true "login and password"
// @Success 200 {object} map[string]interface{}
// @Failure 401 {object} utils.ErrorResponseStruct
// @Router /web/session/authenticate [post]
func (s *Server) handleAuthenticate(c *fiber.Ctx) error {
	var req authRequest
	if err := c.BodyParser(&req); err != nil || req.Login == "" {
		return utils.ErrorResponse(c, "login and password are required", fiber.StatusBadRequest, "validation")
	}

	env := s.kernel.Env(orm.NewContext().AsSudo())
	users, err := env.Model("res.users").Search(orm.And(
		orm.Eq("login", req.Login),
		orm.Eq("active", true),
	))
	if err != nil {
		return err
	}
	if users.Len() != 1 {
		return utils.ErrorResponse(c, "invalid credentials", fiber.StatusUnauthorized, "auth")
	}
	stored, err := users.GetString("password")
	if err != nil {
		return err
	}
	if stored == "" || stored != utils.HashPassword(req.Password) {
		return utils.ErrorResponse(c, "invalid credentials", fiber.StatusUnauthorized, "auth")
	}

	companyID, _ := users.GetID("company_id")
	lang, _ := users.GetString("lang")
	if lang == "" {
		lang = s.cfg.DefaultLang
	}
	session := &database.Session{
		ID:        uuid.NewString(),
		UserID:    users.ID(),
		CompanyID: companyID,
		Lang:      lang,
		ExpiresAt: time.Now().Add(s.cfg.SessionTTL),
	}
	if err := s.db.Create(session).Error; err != nil {
		return err
	}

	c.Cookie(&fiber.Cookie{
		Name:     middleware.SessionCookie,
		Value:    session.ID,
		Expires:  session.ExpiresAt,
		HTTPOnly: true,
		SameSite: "Lax",
	})
	return c.JSON(fiber.Map{
		"uid":        session.UserID,
		"company_id": session.CompanyID,
		"lang":       session.Lang,
		"session_id": session.ID,
	})
}

// handleLogout drops the session row and clears the cookie.
// @Summary Close the current session
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /web/session/logout [post]
func (s *Server) handleLogout(c *fiber.Ctx) error {
	if sid := c.Cookies(middleware.SessionCookie); sid != "" {
		s.db.Where("id = ?", sid).Delete(&database.Session{})
	}
	c.Cookie(&fiber.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Expires:  time.Now().Add(-time.Hour),
		HTTPOnly: true,
	})
	return c.JSON(fiber.Map{"ok": true})
}

// handleSessionInfo returns the current principal.
func (s *Server) handleSessionInfo(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"uid":        middleware.UID(c),
		"company_id": middleware.CompanyID(c),
		"lang":       middleware.Lang(c),
	})
}

// PurgeExpiredSessions removes sessions past their expiry, called from the
// base module's cron job.
func PurgeExpiredSessions(db *gorm.DB) error {
	return db.Where("expires_at < ?", time.Now()).Delete(&database.Session{}).Error
}
