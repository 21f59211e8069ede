package server

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/lucidgrid/basis/internal/orm"
	"github.com/lucidgrid/basis/internal/types"
	"github.com/lucidgrid/basis/internal/utils"
)

// parseRecordID reads the :id route parameter.
func parseRecordID(c *fiber.Ctx) (uint64, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, types.ValidationError("invalid record id %q", c.Params("id"))
	}
	return id, nil
}

// searchQuery decodes the optional domain, paging and projection query
// parameters shared by the list endpoints.
func searchQuery(c *fiber.Ctx) (orm.Domain, orm.SearchOptions, []string, error) {
	dom := orm.EmptyDomain()
	if raw := c.Query("domain"); raw != "" {
		parsed, err := orm.ParseDomain([]byte(raw))
		if err != nil {
			return dom, orm.SearchOptions{}, nil, err
		}
		dom = parsed
	}
	opts := orm.SearchOptions{
		Limit:  c.QueryInt("limit"),
		Offset: c.QueryInt("offset"),
		Order:  c.Query("order"),
	}
	fields := splitCSV(c.Query("fields"))
	return dom, opts, fields, nil
}

// handleSearchRead lists records matching a domain.
// @Summary Search and read records
// @Produce json
// @Param model path string true "model name"
// @Param domain query string false "domain as JSON list"
// @Param fields query string false "comma separated field names"
// @Param limit query int false "page size"
// @Param offset query int false "page start"
// @Param order query string false "sort specification"
// @Success 200 {object} map[string]interface{}
// @Failure 403 {object} utils.ErrorResponseStruct
// @Router /api/models/{model} [get]
func (s *Server) handleSearchRead(c *fiber.Ctx) error {
	dom, opts, fields, err := searchQuery(c)
	if err != nil {
		return err
	}
	env := s.envFor(c)
	recs, err := env.Model(c.Params("model")).Search(dom, opts)
	if err != nil {
		return err
	}
	rows, err := recs.Read(fields)
	if err != nil {
		return err
	}
	return utils.SuccessResponse(c, fiber.Map{
		"count":   recs.Len(),
		"records": rows,
	}, fiber.StatusOK)
}

// handleReadGroup aggregates records grouped by one field.
// @Summary Group records and aggregate
// @Produce json
// @Param model path string true "model name"
// @Param by query string true "group by field"
// @Param aggregates query string false "aggregates as field:sum"
// @Success 200 {object} map[string]interface{}
// @Router /api/models/{model}/groups [get]
func (s *Server) handleReadGroup(c *fiber.Ctx) error {
	dom, _, _, err := searchQuery(c)
	if err != nil {
		return err
	}
	groupBy := c.Query("by")
	if groupBy == "" {
		return types.ValidationError("the 'by' query parameter is required")
	}
	env := s.envFor(c)
	groups, err := env.Model(c.Params("model")).ReadGroup(dom, groupBy, splitCSV(c.Query("aggregates")))
	if err != nil {
		return err
	}
	return utils.SuccessResponse(c, fiber.Map{"groups": groups}, fiber.StatusOK)
}

// handleReadOne reads a single record.
// @Summary Read one record
// @Produce json
// @Param model path string true "model name"
// @Param id path int true "record id"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} utils.ErrorResponseStruct
// @Router /api/models/{model}/{id} [get]
func (s *Server) handleReadOne(c *fiber.Ctx) error {
	id, err := parseRecordID(c)
	if err != nil {
		return err
	}
	env := s.envFor(c)
	rec := env.Model(c.Params("model")).Browse(id)
	existing, err := rec.Exists()
	if err != nil {
		return err
	}
	if existing.Len() == 0 {
		return types.MissingError("record %s/%d does not exist", c.Params("model"), id)
	}
	var fields []string
	if raw := c.Query("fields"); raw != "" {
		fields = splitCSV(raw)
	}
	rows, err := rec.Read(fields)
	if err != nil {
		return err
	}
	return utils.SuccessResponse(c, rows[0], fiber.StatusOK)
}

// handleCreate creates one record from the JSON body.
// @Summary Create a record
// @Accept json
// @Produce json
// @Param model path string true "model name"
// @Success 201 {object} map[string]interface{}
// @Failure 400 {object} utils.ErrorResponseStruct
// @Router /api/models/{model} [post]
func (s *Server) handleCreate(c *fiber.Ctx) error {
	var vals orm.Values
	if err := c.BodyParser(&vals); err != nil {
		return types.ValidationError("invalid JSON body: %v", err)
	}
	model := c.Params("model")
	out, err := s.withRetry(s.envFor(c), func(env *orm.Env) (interface{}, error) {
		rec, err := env.Model(model).Create(vals)
		if err != nil {
			return nil, err
		}
		return rec.ID(), nil
	})
	if err != nil {
		return err
	}
	return utils.SuccessResponse(c, fiber.Map{"id": out, "ok": true}, fiber.StatusCreated)
}

// handleWrite updates one record from the JSON body.
// @Summary Update a record
// @Accept json
// @Produce json
// @Param model path string true "model name"
// @Param id path int true "record id"
// @Success 200 {object} map[string]interface{}
// @Failure 409 {object} utils.ErrorResponseStruct
// @Router /api/models/{model}/{id} [put]
func (s *Server) handleWrite(c *fiber.Ctx) error {
	id, err := parseRecordID(c)
	if err != nil {
		return err
	}
	var vals orm.Values
	if err := c.BodyParser(&vals); err != nil {
		return types.ValidationError("invalid JSON body: %v", err)
	}
	model := c.Params("model")
	_, err = s.withRetry(s.envFor(c), func(env *orm.Env) (interface{}, error) {
		return nil, env.Model(model).Browse(id).Write(vals)
	})
	if err != nil {
		return err
	}
	return utils.SuccessResponse(c, fiber.Map{"ok": true}, fiber.StatusOK)
}

// handleUnlink deletes one record.
// @Summary Delete a record
// @Produce json
// @Param model path string true "model name"
// @Param id path int true "record id"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} utils.ErrorResponseStruct
// @Router /api/models/{model}/{id} [delete]
func (s *Server) handleUnlink(c *fiber.Ctx) error {
	id, err := parseRecordID(c)
	if err != nil {
		return err
	}
	model := c.Params("model")
	_, err = s.withRetry(s.envFor(c), func(env *orm.Env) (interface{}, error) {
		return nil, env.Model(model).Browse(id).Unlink()
	})
	if err != nil {
		return err
	}
	return utils.SuccessResponse(c, fiber.Map{"ok": true}, fiber.StatusOK)
}

// handleCall invokes a registered model method on one record.
// @Summary Call a model method
// @Accept json
// @Produce json
// @Param model path string true "model name"
// @Param id path int true "record id"
// @Param method path string true "method name"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} utils.ErrorResponseStruct
// @Router /api/models/{model}/{id}/call/{method} [post]
func (s *Server) handleCall(c *fiber.Ctx) error {
	id, err := parseRecordID(c)
	if err != nil {
		return err
	}
	args := orm.Values{}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&args); err != nil {
			return types.ValidationError("invalid JSON body: %v", err)
		}
	}
	model, method := c.Params("model"), c.Params("method")
	if strings.HasPrefix(method, "_") {
		return types.AccessError("method %q is private", method)
	}
	out, err := s.withRetry(s.envFor(c), func(env *orm.Env) (interface{}, error) {
		return env.Model(model).Browse(id).Call(method, args)
	})
	if err != nil {
		return err
	}
	return utils.SuccessResponse(c, fiber.Map{"result": out}, fiber.StatusOK)
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
