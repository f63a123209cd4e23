package main

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/listing-resolver/internal/tools"
	"github.com/Sternrassler/listing-resolver/pkg/fallback"
	"github.com/Sternrassler/listing-resolver/pkg/listing"
	"github.com/Sternrassler/listing-resolver/pkg/metrics"
)

// defaultRequestTimeout bounds one tool call made over HTTP.
const defaultRequestTimeout = 60 * time.Second

type server struct {
	registry       *tools.Registry
	ready          func(ctx context.Context) error
	requestTimeout time.Duration
	logger         zerolog.Logger
}

func newApp(s *server) *fiber.App {
	if s.requestTimeout <= 0 {
		s.requestTimeout = defaultRequestTimeout
	}

	app := fiber.New(fiber.Config{
		AppName: serviceName,
		ErrorHandler: func(c fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			message := "Internal Server Error"

			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
				message = e.Message
			}
			return c.Status(code).JSON(fiber.Map{"error": message})
		},
	})

	app.Use(recover.New())
	app.Use(requestLogger(s.logger))

	app.Get("/health", s.health)
	app.Get("/ready", s.readiness)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	app.Get("/tools", s.listTools)
	app.Post("/tools/call", s.callTool)
	app.Get("/v1/listing-count", s.listingCount)

	return app
}

func requestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", c.Response().StatusCode()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
		return err
	}
}

func (s *server) health(c fiber.Ctx) error {
	return c.SendString("OK")
}

func (s *server) readiness(c fiber.Ctx) error {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unavailable",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

func (s *server) listTools(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"tools": s.registry.Tools()})
}

type callRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *server) callTool(c fiber.Ctx) error {
	var req callRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "request body must be a JSON object")
	}
	if req.Name == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name is required")
	}

	ctx, cancel := context.WithTimeout(c.Context(), s.requestTimeout)
	defer cancel()

	out, err := s.registry.Call(ctx, req.Name, req.Arguments)
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"result": out})
}

// listingCount is a plain GET front for etsy_get_listing_count. A keyword no
// tier could resolve answers 502 with the unresolved result as body.
func (s *server) listingCount(c fiber.Ctx) error {
	args := map[string]any{"keyword": c.Query("keyword")}
	if v := c.Query("bypass_cache"); v != "" {
		bypass, err := strconv.ParseBool(v)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "bypass_cache must be a boolean")
		}
		args["bypass_cache"] = bypass
	}
	if v := c.Query("ttl_seconds"); v != "" {
		ttl, err := strconv.Atoi(v)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "ttl_seconds must be an integer")
		}
		args["ttl_seconds"] = ttl
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Context(), s.requestTimeout)
	defer cancel()

	out, err := s.registry.Call(ctx, tools.ToolGetListingCount, raw)
	if err != nil {
		return c.Status(errorStatus(err)).JSON(fiber.Map{"error": err.Error()})
	}

	var res listing.Result
	if err := json.Unmarshal(out, &res); err != nil {
		return err
	}
	status := fiber.StatusOK
	if !res.Resolved() {
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(res)
}

func errorStatus(err error) int {
	var exhausted *fallback.ExhaustedError
	switch {
	case errors.Is(err, tools.ErrInvalidArguments):
		return fiber.StatusBadRequest
	case errors.Is(err, tools.ErrUnknownTool), errors.Is(err, fallback.ErrUnknownOperation):
		return fiber.StatusNotFound
	case errors.As(err, &exhausted):
		return fiber.StatusBadGateway
	case errors.Is(err, tools.ErrUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}
