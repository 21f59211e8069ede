package server

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/lucidgrid/basis/internal/database"
	"github.com/lucidgrid/basis/internal/orm"
	"github.com/lucidgrid/basis/internal/registry"
	"github.com/lucidgrid/basis/internal/report"
	"github.com/lucidgrid/basis/internal/types"
	"github.com/lucidgrid/basis/internal/utils"
)

// handleView resolves the effective architecture of a view addressed by its
// external identifier.
// @Summary Resolve an effective view
// @Produce json
// @Param xmlid path string true "external id, module.name"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} utils.ErrorResponseStruct
// @Router /web/view/{xmlid} [get]
func (s *Server) handleView(c *fiber.Ctx) error {
	xmlid := c.Params("xmlid")
	module, name, ok := strings.Cut(xmlid, ".")
	if !ok {
		return types.ValidationError("view id %q must be module.name", xmlid)
	}
	var xid database.ExternalID
	err := s.db.Where("module = ? AND name = ?", module, name).First(&xid).Error
	if err != nil || xid.Model != "ir.ui.view" {
		return types.MissingError("view %q does not exist", xmlid)
	}

	env := s.envFor(c)
	base := env.Model("ir.ui.view").Browse(xid.ResID)
	// Patches address their base view; resolve from the root of the chain.
	if parent, err := base.GetID("inherit_id"); err == nil && parent != 0 {
		base = base.Browse(parent)
	}
	arch, err := registry.EffectiveView(env, base.ID())
	if err != nil {
		return err
	}
	viewType, _ := base.GetString("type")
	model, _ := base.GetString("model")
	return utils.SuccessResponse(c, fiber.Map{
		"id":    base.ID(),
		"model": model,
		"type":  viewType,
		"arch":  arch,
	}, fiber.StatusOK)
}

// handleReport renders a registered report over one record as HTML.
// @Summary Render a report
// @Produce html
// @Param name path string true "report name"
// @Param id path int true "record id"
// @Success 200 {string} string
// @Failure 404 {object} utils.ErrorResponseStruct
// @Router /report/{name}/{id} [get]
func (s *Server) handleReport(c *fiber.Ctx) error {
	id, err := parseRecordID(c)
	if err != nil {
		return err
	}
	var html string
	_, err = s.withRetry(s.envFor(c), func(env *orm.Env) (interface{}, error) {
		out, err := report.Render(env, c.Params("name"), []uint64{id})
		if err != nil {
			return nil, err
		}
		html = out
		return nil, nil
	})
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.SendString(html)
}
