package httpapi

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/ao/Serengeti-sub006/internal/node"
	"github.com/ao/Serengeti-sub006/internal/protocol"
)

// handleDescriptor implements `GET /`'s node descriptor, or
// `GET /?query=…` the query pipeline when that parameter is present
// (gated by the same bearer check as POST /).
func (s *Server) handleDescriptor(c *fiber.Ctx) error {
	if c.Query("query") != "" {
		if err := s.validateBearer(c); err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
		}
		return s.handleQuery(c)
	}
	return c.JSON(s.n.Descriptor())
}

// handleMeta implements `GET /meta`: the database/table list. No
// per-row data is returned, only the shape of what's open.
func (s *Server) handleMeta(c *fiber.Ctx) error {
	type tableMeta struct {
		Database string `json:"database"`
		Table    string `json:"table"`
	}
	tables := s.n.Tables()
	out := make([]tableMeta, 0, len(tables))
	for _, t := range tables {
		out = append(out, tableMeta{Database: t.Database, Table: t.Name})
	}
	return c.JSON(fiber.Map{"tables": out})
}

// handleStaticPlaceholder serves the static HTML placeholder pages for
// `/dashboard` and `/interactive`; any richer dashboard logic lives in
// a separate front-end component.
func (s *Server) handleStaticPlaceholder(title string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
		return c.SendString("<!doctype html><html><head><title>" + title + "</title></head>" +
			"<body><h1>" + title + "</h1><p>Served by serengeti node " + s.n.ID().String() + "</p></body></html>")
	}
}

// queryCommand is the minimal pre-parsed command shape accepted in
// place of a full query language: `{op, database, table, key?,
// value?}`.
type queryCommand struct {
	Op       string          `json:"op"`
	Database string          `json:"database"`
	Table    string          `json:"table"`
	Key      string          `json:"key,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
}

type queryResponse struct {
	Executed bool            `json:"executed"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// handleQuery dispatches a pre-parsed command to the matching
// node.Table operation, returning the `{executed, result?, error?}`
// envelope: 200 for a parsed-but-failed query, 4xx for a malformed
// request.
func (s *Server) handleQuery(c *fiber.Ctx) error {
	var cmd queryCommand
	if c.Method() == fiber.MethodGet {
		raw := c.Query("query")
		if raw == "" {
			return c.Status(fiber.StatusBadRequest).JSON(queryResponse{Error: "missing query parameter"})
		}
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(queryResponse{Error: "invalid query JSON"})
		}
	} else if err := c.BodyParser(&cmd); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(queryResponse{Error: "invalid query JSON"})
	}

	if cmd.Database == "" || cmd.Table == "" {
		return c.Status(fiber.StatusBadRequest).JSON(queryResponse{Error: "database and table are required"})
	}

	table, err := s.n.OpenOrCreateTable(cmd.Database, cmd.Table)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(queryResponse{Error: err.Error()})
	}

	switch cmd.Op {
	case "insert":
		row, outbound, err := table.Insert(cmd.Value, s.n.LivePeers())
		if err != nil {
			return c.JSON(queryResponse{Executed: false, Error: err.Error()})
		}
		s.n.Broadcast(c.Context(), outbound)
		result, _ := json.Marshal(row)
		return c.JSON(queryResponse{Executed: true, Result: result})

	case "get":
		rowID, err := uuid.Parse(cmd.Key)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(queryResponse{Error: "key must be a row id"})
		}
		row, err := table.Get(rowID)
		if err != nil {
			return c.JSON(queryResponse{Executed: false, Error: err.Error()})
		}
		result, _ := json.Marshal(row)
		return c.JSON(queryResponse{Executed: true, Result: result})

	case "update":
		rowID, err := uuid.Parse(cmd.Key)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(queryResponse{Error: "key must be a row id"})
		}
		outbound, err := table.Update(rowID, cmd.Value)
		if err != nil {
			return c.JSON(queryResponse{Executed: false, Error: err.Error()})
		}
		s.n.Broadcast(c.Context(), outbound)
		return c.JSON(queryResponse{Executed: true})

	case "delete":
		rowID, err := uuid.Parse(cmd.Key)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(queryResponse{Error: "key must be a row id"})
		}
		outbound, err := table.Delete(rowID)
		if err != nil {
			return c.JSON(queryResponse{Executed: false, Error: err.Error()})
		}
		s.n.Broadcast(c.Context(), outbound)
		return c.JSON(queryResponse{Executed: true})

	default:
		return c.Status(fiber.StatusBadRequest).JSON(queryResponse{Error: "unknown op " + cmd.Op})
	}
}

// handleInternalMessage is the receiving side of dispatch.go's
// Send/Broadcast: the inter-node protocol listener at
// /_internal/message.
func (s *Server) handleInternalMessage(c *fiber.Ctx) error {
	var msg protocol.Message
	if err := c.BodyParser(&msg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid message JSON"})
	}
	if err := s.n.HandleMessage(c.IP(), msg); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "applied"})
}

// handleInternalFetchRow is the receiving side of dispatch.go's
// fetchRow: the inter-node row-fetch listener a peer calls to pull a
// row's current payload when it is assigned as a new replica holder.
func (s *Server) handleInternalFetchRow(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid row id"})
	}
	t, ok := s.n.Table(c.Params("database"), c.Params("table"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown table"})
	}
	row, err := t.Get(id)
	if err != nil {
		if errors.Is(err, node.ErrRowNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "row not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(row)
}
