package gin

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	x402 "github.com/mark3labs/x402-gate"
	"github.com/mark3labs/x402-gate/encoding"
	"github.com/mark3labs/x402-gate/facilitator"
	"github.com/mark3labs/x402-gate/http/internal/helpers"
)

// maxRequestBody bounds /verify and /settle bodies. A Solana transaction is at most 1232 bytes.
const maxRequestBody = 64 << 10

// ServerOption configures the facilitator routes.
type ServerOption func(*server)

type server struct {
	fac     facilitator.Interface
	logger  *slog.Logger
	uptime  func() time.Duration
	metrics http.Handler
}

// WithLogger sets the request logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *server) {
		s.logger = logger
	}
}

// WithUptime sets the uptime source reported by /health.
func WithUptime(fn func() time.Duration) ServerOption {
	return func(s *server) {
		s.uptime = fn
	}
}

// WithMetricsHandler serves h at GET /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *server) {
		s.metrics = h
	}
}

// RegisterRoutes mounts the facilitator surface on r:
//
//	POST /verify       {transaction} -> 201 {id, status, timestamp}
//	POST /settle       {id}          -> 200 {signature, status, timestamp, network}
//	GET  /supported                  -> 200 capabilities
//	GET  /status/:id                 -> 200 {id, status, timestamp, age} | 404
//	GET  /health                     -> 200 {status, uptime}
//
// Errors are written as x402.ErrorResponse so clients can tell whether to
// resubmit, poll status, or give up.
func RegisterRoutes(r gin.IRoutes, fac facilitator.Interface, opts ...ServerOption) {
	started := time.Now()
	s := &server{
		fac:    fac,
		logger: slog.Default(),
		uptime: func() time.Duration { return time.Since(started) },
	}
	if u, ok := fac.(interface{ Uptime() time.Duration }); ok {
		s.uptime = u.Uptime
	}
	for _, opt := range opts {
		opt(s)
	}

	r.POST("/verify", s.verify)
	r.POST("/settle", s.settle)
	r.GET("/supported", s.supported)
	r.GET("/status/:id", s.status)
	r.GET("/health", s.health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
}

// NewRouter returns a gin engine serving the facilitator surface with panic recovery.
func NewRouter(fac facilitator.Interface, opts ...ServerOption) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	RegisterRoutes(r, fac, opts...)
	return r
}

func (s *server) verify(c *gin.Context) {
	var req x402.VerifyRequest
	if !s.bind(c, &req) {
		return
	}
	raw, err := encoding.DecodeTransaction(req.Transaction)
	if err != nil {
		s.fail(c, err)
		return
	}

	resp, err := s.fac.Verify(c.Request.Context(), raw)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *server) settle(c *gin.Context) {
	var req x402.SettleRequest
	if !s.bind(c, &req) {
		return
	}
	if req.ID == "" {
		s.fail(c, x402.NewPaymentError(x402.ErrCodeInvalidRequest, "id is required", nil))
		return
	}

	resp, err := s.fac.Settle(c.Request.Context(), req.ID)
	if err != nil {
		status := helpers.StatusCode(err)
		// Settling an unknown id is a bad request, not a missing resource.
		if errors.Is(err, x402.ErrNotFound) {
			status = http.StatusBadRequest
		}
		s.failWith(c, status, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) supported(c *gin.Context) {
	caps, err := s.fac.Supported(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, caps)
}

func (s *server) status(c *gin.Context) {
	resp, err := s.fac.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, x402.HealthResponse{
		Status: "ok",
		Uptime: s.uptime().Seconds(),
	})
}

// bind decodes a JSON body and writes an INVALID_REQUEST error on failure.
func (s *server) bind(c *gin.Context, v any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBody)
	if err := c.ShouldBindJSON(v); err != nil {
		msg := "invalid JSON body"
		if errors.Is(err, io.EOF) {
			msg = "request body is empty"
		}
		s.fail(c, x402.NewPaymentError(x402.ErrCodeInvalidRequest, msg, err))
		return false
	}
	return true
}

func (s *server) fail(c *gin.Context, err error) {
	s.failWith(c, helpers.StatusCode(err), err)
}

func (s *server) failWith(c *gin.Context, status int, err error) {
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(c.Request.Context(), level, "request failed",
		"path", c.FullPath(), "status", status, "code", x402.CodeOf(err), "error", err)
	c.AbortWithStatusJSON(status, x402.NewErrorResponse(err))
}
