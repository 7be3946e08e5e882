// Package facilitatorserver exposes a Facilitator over HTTP: POST /verify,
// POST /settle, GET /supported and GET /healthz, speaking the same JSON
// envelope the HTTP facilitator client sends.
package facilitatorserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	x402 "github.com/x402labs/x402-go"
)

const requestIDHeader = "X-Request-Id"

// Option configures the facilitator server.
type Option func(*Server)

// WithSettleTimeout bounds each settlement call. Zero means no bound
// beyond the request context.
func WithSettleTimeout(timeout time.Duration) Option {
	return func(s *Server) { s.settleTimeout = timeout }
}

// Settler is the settlement surface of POST /settle. Decorators such as
// extensions/idempotency satisfy it; the default is the facilitator
// itself.
type Settler interface {
	Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error)
}

// WithSettler routes settlements through a decorator instead of calling
// the facilitator directly.
func WithSettler(settler Settler) Option {
	return func(s *Server) { s.settler = settler }
}

// Server wires a Facilitator into a gin router.
type Server struct {
	facilitator   *x402.Facilitator
	settler       Settler
	settleTimeout time.Duration
	engine        *gin.Engine
}

// verifySettleRequest is the wire envelope shared by /verify and /settle.
type verifySettleRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// NewServer builds the HTTP surface for the given facilitator.
func NewServer(facilitator *x402.Facilitator, opts ...Option) *Server {
	s := &Server{facilitator: facilitator}
	for _, opt := range opts {
		opt(s)
	}
	if s.settler == nil {
		s.settler = facilitator
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestID())

	engine.POST("/verify", s.handleVerify)
	engine.POST("/settle", s.handleSettle)
	engine.GET("/supported", s.handleSupported)
	engine.GET("/healthz", s.handleHealth)

	s.engine = engine
	return s
}

// Handler returns the router for mounting or testing.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on the given address until the listener fails.
func (s *Server) Run(addr string) error { return s.engine.Run(addr) }

// requestID tags every request so verify and settle calls for the same
// payment can be correlated in logs.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// decodeEnvelope parses the request body, distinguishing malformed framing
// (400) from protocol-level rejections (200 with isValid=false / success=false).
func decodeEnvelope(c *gin.Context) (*verifySettleRequest, bool) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return nil, false
	}

	var req verifySettleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return nil, false
	}
	return &req, true
}

func (s *Server) handleVerify(c *gin.Context) {
	req, ok := decodeEnvelope(c)
	if !ok {
		return
	}

	resp, err := s.facilitator.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		// Verification errors are protocol outcomes, not transport
		// failures: report them in-band so the caller sees the reason.
		c.JSON(http.StatusOK, x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: x402.ReasonOf(err),
		})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSettle(c *gin.Context) {
	req, ok := decodeEnvelope(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if s.settleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.settleTimeout)
		defer cancel()
	}

	resp, err := s.settler.Settle(ctx, req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		c.JSON(http.StatusOK, x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonOf(err),
			Network:     req.PaymentRequirements.Network,
		})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.facilitator.GetSupported())
}

func (s *Server) handleHealth(c *gin.Context) {
	supported := s.facilitator.GetSupported()
	networks := make(map[string]struct{}, len(supported.Kinds))
	for _, kind := range supported.Kinds {
		networks[string(kind.Network)] = struct{}{}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"kinds":      len(supported.Kinds),
		"networks":   len(networks),
		"extensions": supported.Extensions,
	})
}
