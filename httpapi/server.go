// Package httpapi exposes the facilitator over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/x402-foundation/settlex"
	"github.com/x402-foundation/settlex/audit"
	"github.com/x402-foundation/settlex/receipt"
)

// Server serves the facilitator API: verify, settle, supported kinds, and a
// settlement status lookup for reconciliation.
type Server struct {
	facilitator *settlex.Facilitator
	auditStore  *audit.Store
	logger      *zap.Logger
	engine      *gin.Engine
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuditStore enables the settlement history half of the status endpoint.
func WithAuditStore(store *audit.Store) ServerOption {
	return func(s *Server) { s.auditStore = store }
}

// NewServer builds the HTTP server around a facilitator.
func NewServer(facilitator *settlex.Facilitator, logger *zap.Logger, opts ...ServerOption) *Server {
	s := &Server{
		facilitator: facilitator,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/supported", s.handleSupported)
	engine.POST("/verify", s.handleVerify)
	engine.POST("/settle", s.handleSettle)
	engine.GET("/settlements/:network/:authorizer/:nonce", s.handleStatus)

	s.engine = engine
	return s
}

// Handler returns the underlying http.Handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.Info("facilitator listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// requestLogger tags every request with an id and logs its outcome.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-Id", requestID)

		start := time.Now()
		c.Next()

		s.logger.Info("request",
			zap.String("requestId", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.facilitator.Supported())
}

func (s *Server) handleVerify(c *gin.Context) {
	var req settlex.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	resp, err := s.facilitator.Verify(c.Request.Context(), &req)
	if err != nil {
		s.logger.Error("verify failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSettle(c *gin.Context) {
	var req settlex.SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	// Malformed compliance input is a validation error and blocks the whole
	// request; the payment side never starts.
	if err := receipt.ValidateComplianceInput(req.Compliance); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.facilitator.Settle(c.Request.Context(), &req)
	if err != nil {
		s.logger.Error("settle failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement failed"})
		return
	}

	if header, err := resp.EncodeToBase64String(); err == nil {
		c.Header("X-PAYMENT-RESPONSE", header)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	network := c.Param("network")
	authorizer := c.Param("authorizer")
	nonce := c.Param("nonce")

	status, err := s.facilitator.Status(c.Request.Context(), network, authorizer, nonce)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	body := gin.H{
		"network":    status.Network,
		"authorizer": status.Authorizer,
		"nonce":      status.Nonce,
		"used":       status.Used,
	}
	if s.auditStore != nil {
		records, err := s.auditStore.FindByNonce(c.Request.Context(), network, authorizer, nonce)
		if err != nil {
			s.logger.Error("settlement history lookup failed", zap.Error(err))
		} else {
			history := make([]gin.H, 0, len(records))
			for _, rec := range records {
				history = append(history, gin.H{
					"txRef":        rec.TxRef,
					"success":      rec.Success,
					"errorReason":  rec.ErrorReason,
					"receiptId":    rec.ReceiptID,
					"publishState": rec.PublishState,
					"createdAt":    rec.CreatedAt,
				})
			}
			body["settlements"] = history
		}
	}
	c.JSON(http.StatusOK, body)
}
