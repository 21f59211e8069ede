package server

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/lucidgrid/basis/internal/middleware"
	"github.com/lucidgrid/basis/internal/orm"
	"github.com/lucidgrid/basis/internal/types"
)

// Version is the kernel release reported over RPC.
const Version = "1.0.0"

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  rpcParams       `json:"params"`
}

type rpcParams struct {
	Service   string            `json:"service"`
	Method    string            `json:"method"`
	Model     string            `json:"model"`
	Operation string            `json:"operation"`
	Args      orm.Values        `json:"args"`
	Context   map[string]string `json:"context"`

	// IDs tolerates a single id or a list, numeric or string-encoded.
	IDs types.FlexList[types.FlexUint64] `json:"ids"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// handleJSONRPC is the single RPC endpoint. Supported services: common
// (version) and object (execute_kw over installed models).
// @Summary JSON-RPC 2.0 endpoint
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /jsonrpc [post]
func (s *Server) handleJSONRPC(c *fiber.Ctx) error {
	var req rpcRequest
	if err := c.BodyParser(&req); err != nil {
		return c.JSON(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
	}
	respond := func(result interface{}, err error) error {
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		if err != nil {
			kind := types.KindOf(err)
			resp.Error = &rpcError{
				Code:    -32000,
				Message: err.Error(),
				Data:    kind.String(),
			}
		} else {
			resp.Result = result
		}
		return c.JSON(resp)
	}

	switch req.Params.Service {
	case "common":
		if req.Params.Method == "version" {
			return respond(fiber.Map{"server_version": Version}, nil)
		}
		return respond(nil, types.MissingError("unknown common method %q", req.Params.Method))
	case "object":
		if middleware.UID(c) == 0 {
			return respond(nil, types.AccessError("authentication required"))
		}
		if req.Params.Method != "execute_kw" {
			return respond(nil, types.MissingError("unknown object method %q", req.Params.Method))
		}
		return respond(s.executeKw(c, req.Params))
	}
	return respond(nil, types.MissingError("unknown service %q", req.Params.Service))
}

// executeKw runs the model operation named in the RPC params. The generic
// verbs map to ORM primitives; anything else dispatches through the method
// registry.
func (s *Server) executeKw(c *fiber.Ctx, p rpcParams) (interface{}, error) {
	if p.Model == "" {
		return nil, types.ValidationError("model is required")
	}
	if p.Operation == "" {
		return nil, types.ValidationError("operation is required")
	}
	args := p.Args
	if args == nil {
		args = orm.Values{}
	}
	baseEnv := s.envFor(c)
	if lang, ok := p.Context["lang"]; ok && lang != "" {
		baseEnv = baseEnv.WithContext(baseEnv.Context().WithLang(lang))
	}

	ids := make([]uint64, 0, len(p.IDs))
	for _, id := range p.IDs {
		ids = append(ids, id.Uint64())
	}

	return s.withRetry(baseEnv, func(env *orm.Env) (interface{}, error) {
		rs := env.Model(p.Model).Browse(ids...)
		switch p.Operation {
		case "create":
			rec, err := rs.Create(args)
			if err != nil {
				return nil, err
			}
			return rec.ID(), nil
		case "write":
			return true, rs.Write(args)
		case "unlink":
			return true, rs.Unlink()
		case "read":
			return rs.Read(fieldList(args["fields"]))
		case "search", "search_read":
			dom, err := domainArg(args["domain"])
			if err != nil {
				return nil, err
			}
			opts := orm.SearchOptions{Order: stringArg(args["order"])}
			if v, ok := args["limit"].(float64); ok {
				opts.Limit = int(v)
			}
			if v, ok := args["offset"].(float64); ok {
				opts.Offset = int(v)
			}
			found, err := rs.Search(dom, opts)
			if err != nil {
				return nil, err
			}
			if p.Operation == "search" {
				return found.IDs(), nil
			}
			return found.Read(fieldList(args["fields"]))
		case "search_count":
			dom, err := domainArg(args["domain"])
			if err != nil {
				return nil, err
			}
			return rs.SearchCount(dom)
		case "read_group":
			dom, err := domainArg(args["domain"])
			if err != nil {
				return nil, err
			}
			return rs.ReadGroup(dom, stringArg(args["groupby"]), fieldList(args["aggregates"]))
		default:
			if strings.HasPrefix(p.Operation, "_") {
				return nil, types.AccessError("method %q is private", p.Operation)
			}
			return rs.Call(p.Operation, args)
		}
	})
}

func domainArg(v interface{}) (orm.Domain, error) {
	if v == nil {
		return orm.EmptyDomain(), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return orm.EmptyDomain(), types.ValidationError("invalid domain: %v", err)
	}
	return orm.ParseDomain(raw)
}

func fieldList(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, x := range list {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringArg(v interface{}) string {
	s, _ := v.(string)
	return s
}
