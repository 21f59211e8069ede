package server

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/lucidgrid/basis/internal/database"
	"github.com/lucidgrid/basis/internal/middleware"
	"github.com/lucidgrid/basis/internal/orm"
	"github.com/lucidgrid/basis/internal/types"
	"github.com/lucidgrid/basis/internal/utils"
)

// actionModels are the record models the action endpoints accept.
var actionModels = map[string]bool{
	"ir.actions.act_window": true,
	"ir.actions.server":     true,
	"ir.actions.act_url":    true,
}

func (s *Server) resolveAction(c *fiber.Ctx) (*orm.RecordSet, string, error) {
	xmlid := c.Params("xmlid")
	module, name, ok := strings.Cut(xmlid, ".")
	if !ok {
		return nil, "", types.ValidationError("action id %q must be module.name", xmlid)
	}
	var xid database.ExternalID
	err := s.db.Where("module = ? AND name = ?", module, name).First(&xid).Error
	if err != nil || !actionModels[xid.Model] {
		return nil, "", types.MissingError("action %q does not exist", xmlid)
	}
	return s.envFor(c).Model(xid.Model).Browse(xid.ResID), xid.Model, nil
}

// handleAction loads an action by its external identifier. The payload shape
// depends on the action type.
// @Summary Load an action
// @Produce json
// @Param xmlid path string true "external id, module.name"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} utils.ErrorResponseStruct
// @Router /web/action/{xmlid} [get]
func (s *Server) handleAction(c *fiber.Ctx) error {
	act, model, err := s.resolveAction(c)
	if err != nil {
		return err
	}
	rows, err := act.Read(nil)
	if err != nil {
		return err
	}
	payload := fiber.Map{"id": act.ID()}
	for k, v := range rows[0] {
		payload[k] = v
	}
	switch model {
	case "ir.actions.act_window":
		payload["type"] = "act_window"
	case "ir.actions.server":
		payload["type"] = "server"
	case "ir.actions.act_url":
		payload["type"] = "url"
	}
	if name, ok := payload["name"].(string); ok {
		payload["name"] = s.catalog.Get(s.langOf(c), name)
	}
	return utils.SuccessResponse(c, payload, fiber.StatusOK)
}

// langOf resolves the caller's display language the same way envFor does.
func (s *Server) langOf(c *fiber.Ctx) string {
	if lang := middleware.Lang(c); lang != "" {
		return lang
	}
	return s.cfg.DefaultLang
}

type runActionRequest struct {
	IDs  types.FlexList[types.FlexUint64] `json:"ids"`
	Args orm.Values                       `json:"args"`
}

// handleActionRun executes a server action against the records named in the
// body.
// @Summary Run a server action
// @Accept json
// @Produce json
// @Param xmlid path string true "external id, module.name"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} utils.ErrorResponseStruct
// @Router /web/action/{xmlid}/run [post]
func (s *Server) handleActionRun(c *fiber.Ctx) error {
	act, model, err := s.resolveAction(c)
	if err != nil {
		return err
	}
	if model != "ir.actions.server" {
		return types.ValidationError("action %q is not a server action", c.Params("xmlid"))
	}
	var req runActionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return types.ValidationError("invalid JSON body: %v", err)
		}
	}
	targetModel, err := act.GetString("model")
	if err != nil {
		return err
	}
	method, err := act.GetString("method")
	if err != nil {
		return err
	}
	args := req.Args
	if args == nil {
		args = orm.Values{}
	}
	ids := make([]uint64, 0, len(req.IDs))
	for _, id := range req.IDs {
		ids = append(ids, id.Uint64())
	}
	out, err := s.withRetry(s.envFor(c), func(env *orm.Env) (interface{}, error) {
		return env.Model(targetModel).Browse(ids...).Call(method, args)
	})
	if err != nil {
		return err
	}
	return utils.SuccessResponse(c, fiber.Map{"result": out}, fiber.StatusOK)
}

type menuNode struct {
	ID       uint64      `json:"id"`
	Name     string      `json:"name"`
	Action   string      `json:"action,omitempty"`
	Children []*menuNode `json:"children,omitempty"`
}

// handleMenus returns the menu tree visible to the caller, ordered by
// sequence.
// @Summary Menu tree
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /web/menus [get]
func (s *Server) handleMenus(c *fiber.Ctx) error {
	env := s.envFor(c)
	menus, err := env.Model("ir.ui.menu").Search(orm.EmptyDomain(),
		orm.SearchOptions{Order: "sequence, id"})
	if err != nil {
		return err
	}
	rows, err := menus.Read([]string{"name", "parent_id", "action"})
	if err != nil {
		return err
	}
	lang := s.langOf(c)
	nodes := map[uint64]*menuNode{}
	var roots []*menuNode
	for _, row := range rows {
		id, _ := row["id"].(float64)
		name, _ := row["name"].(string)
		action, _ := row["action"].(string)
		nodes[uint64(id)] = &menuNode{
			ID: uint64(id), Name: s.catalog.Get(lang, name), Action: action,
		}
	}
	for _, row := range rows {
		id, _ := row["id"].(float64)
		node := nodes[uint64(id)]
		if parent, ok := row["parent_id"].(float64); ok && parent != 0 {
			if p := nodes[uint64(parent)]; p != nil {
				p.Children = append(p.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}
	return utils.SuccessResponse(c, fiber.Map{"menus": roots}, fiber.StatusOK)
}
