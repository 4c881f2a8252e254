package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/config"
	"copilot-gateway/internal/models"
	"copilot-gateway/internal/router"
	"copilot-gateway/internal/translator"
)

const (
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second

	dialectKey     = "dialect"
	preambleHeader = "X-Agent-Preamble"
)

// Dispatcher is the request pipeline behind the HTTP surface.
type Dispatcher interface {
	Dispatch(ctx context.Context, in router.Inbound) (*router.Result, error)
	CountTokens(ctx context.Context, in router.Inbound) (int, error)
	Models() []models.Model
}

// Metrics exposes the Prometheus handler and tracks open streams.
type Metrics interface {
	Handler() http.Handler
	StreamStarted() func()
}

type Server struct {
	cfg        config.Config
	dispatcher Dispatcher
	metrics    Metrics
	app        *echo.Echo
	address    string
}

// Option customises a Server.
type Option func(*Server)

// WithMetrics serves metrics on the configured path.
func WithMetrics(m Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, dispatcher Dispatcher, opts ...Option) (*Server, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.Info("request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		app:        e,
		address:    net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
	}
	for _, opt := range opts {
		opt(srv)
	}
	e.HTTPErrorHandler = srv.errorHandler

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed handler.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.address)
	slog.Info("starting server", "addr", s.address)

	// No write timeout: streams last as long as the upstream generates.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/models", s.handleModels)

	openAI := withDialect(translator.DialectOpenAI)
	s.app.POST("/v1/chat/completions", s.handleChat, openAI)
	s.app.POST("/chat/completions", s.handleChat, openAI)

	claude := withDialect(translator.DialectClaude)
	s.app.POST("/v1/messages", s.handleChat, claude)
	s.app.POST("/messages", s.handleChat, claude)
	s.app.POST("/v1/messages/count_tokens", s.handleCountTokens, claude)

	if s.metrics != nil && s.cfg.Metrics.Enabled {
		s.app.GET(s.cfg.Metrics.Path, echo.WrapHandler(s.metrics.Handler()))
	}
}

func withDialect(dialect translator.Dialect) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(dialectKey, dialect)
			return next(c)
		}
	}
}

func dialectOf(c echo.Context) translator.Dialect {
	if dialect, ok := c.Get(dialectKey).(translator.Dialect); ok {
		return dialect
	}
	return translator.DialectOpenAI
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Type    string `json:"type"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleModels(c echo.Context) error {
	listed := s.dispatcher.Models()
	data := make([]modelEntry, 0, len(listed))
	for _, model := range listed {
		data = append(data, modelEntry{ID: model.ID, Object: "model", Type: "model", OwnedBy: model.Vendor})
	}
	return c.JSON(http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleChat(c echo.Context) error {
	in, err := s.inbound(c)
	if err != nil {
		return err
	}

	result, err := s.dispatcher.Dispatch(c.Request().Context(), in)
	if err != nil {
		return err
	}
	if result.Stream != nil {
		return s.writeStream(c, result.Stream)
	}
	return c.JSON(http.StatusOK, result.Body)
}

func (s *Server) handleCountTokens(c echo.Context) error {
	in, err := s.inbound(c)
	if err != nil {
		return err
	}

	count, err := s.dispatcher.CountTokens(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"input_tokens": count})
}

func (s *Server) inbound(c echo.Context) (router.Inbound, error) {
	req := c.Request()
	defer req.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, s.cfg.Server.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return router.Inbound{}, echo.NewHTTPError(http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		}
		return router.Inbound{}, &apierror.ValidationError{Message: "read request body", Err: err}
	}

	return router.Inbound{
		Dialect:  dialectOf(c),
		Body:     body,
		Preamble: req.Header.Get(preambleHeader),
	}, nil
}

// writeStream relays frames as server-sent events until the stream ends or
// the client goes away. Closing the stream cancels the upstream fetch.
func (s *Server) writeStream(c echo.Context, stream *router.EventStream) error {
	defer stream.Close()
	if s.metrics != nil {
		defer s.metrics.StreamStarted()()
	}

	res := c.Response()
	header := res.Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	ctx := c.Request().Context()
	for {
		if ctx.Err() != nil {
			slog.Debug("client disconnected mid-stream")
			return nil
		}
		frame, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			slog.Error("stream next", "error", err)
			return nil
		}
		if err := writeFrame(res, frame); err != nil {
			slog.Debug("write stream frame", "error", err)
			return nil
		}
		res.Flush()
	}
}

func writeFrame(w io.Writer, frame translator.Frame) error {
	if frame.Event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", frame.Event); err != nil {
			return fmt.Errorf("write SSE event name: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", frame.Data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

// errorHandler renders every failure in the envelope of the route's dialect.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		err = &apierror.UpstreamError{Status: he.Code, Type: "invalid_request_error", Message: fmt.Sprint(he.Message)}
	}

	if retryAfter, ok := translator.RetryAfter(err); ok {
		c.Response().Header().Set("Retry-After", retryAfter)
	}
	status, body := translator.RenderError(dialectOf(c), err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSONBlob(status, body)
}

func printStartupBanner(address string) {
	fmt.Println()
	fmt.Println("copilot-gateway ready")
	fmt.Printf("Listening on http://%s\n", address)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/messages")
	fmt.Println("  POST /v1/messages/count_tokens")
	fmt.Printf("OpenAI-style example:\n  curl http://%s/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"gpt-4.1\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n", address)
	fmt.Printf("Claude CLI example:\n  ANTHROPIC_BASE_URL=http://%s claude\n\n", address)
}
