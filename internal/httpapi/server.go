// Package httpapi exposes a node over HTTP: the public query surface
// and the inter-node replication listener, built on the same fiber
// wiring a single-process HTTP server uses.
package httpapi

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ao/Serengeti-sub006/internal/node"
)

// Config tunes the HTTP surface.
type Config struct {
	Port      int
	JWTSecret string
}

// Server wraps a node.Node with its public query surface and
// inter-node message listener.
type Server struct {
	n      *node.Node
	app    *fiber.App
	port   int
	secret []byte
}

// New builds the fiber app and registers every route; it does not
// start listening.
func New(n *node.Node, cfg Config) *Server {
	if cfg.Port == 0 {
		cfg.Port = 1985
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "serengeti-dev-secret-change-me"
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(helmet.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(limiter.New(limiter.Config{
		Max:        200,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
	}))

	s := &Server{
		n:      n,
		app:    app,
		port:   cfg.Port,
		secret: []byte(cfg.JWTSecret),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/", s.handleDescriptor)
	s.app.Get("/meta", s.handleMeta)
	s.app.Get("/dashboard", s.handleStaticPlaceholder("Serengeti Dashboard"))
	s.app.Get("/interactive", s.handleStaticPlaceholder("Serengeti Interactive"))

	// Inter-node traffic is not gated by the client JWT: peers
	// authenticate at the transport layer instead.
	s.app.Post("/_internal/message", s.handleInternalMessage)
	s.app.Get("/_internal/row/:database/:table/:id", s.handleInternalFetchRow)

	auth := s.jwtAuthMiddleware()
	s.app.Post("/", auth, s.handleQuery)
}

// jwtAuthMiddleware accepts any token correctly signed for the
// configured shared secret: a deliberately minimal authentication
// stub, not a full connection-level authN/Z layer.
func (s *Server) jwtAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := s.validateBearer(c); err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Next()
	}
}

// validateBearer checks the Authorization header against the
// configured shared secret without writing a response, so both the
// POST / middleware chain and the query-string form of GET / can share
// the same check.
func (s *Server) validateBearer(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	const bearerPrefix = "Bearer "
	if len(authHeader) <= len(bearerPrefix) || authHeader[:len(bearerPrefix)] != bearerPrefix {
		return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
	}
	tokenString := authHeader[len(bearerPrefix):]

	_, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fiber.NewError(fiber.StatusUnauthorized, "unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid or expired token")
	}
	return nil
}

// Start blocks serving HTTP on the configured port.
func (s *Server) Start() error {
	return s.app.Listen(":" + strconv.Itoa(s.port))
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop() error {
	return s.app.Shutdown()
}
