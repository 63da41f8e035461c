// Package api is the local HTTP API: voucher submission and status,
// pricing, replication setup and recovery.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/controller"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/ledger"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/price"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/recovery"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/version"
)

// Replicator configures replication. *replicate.Replicator implements it.
type Replicator interface {
	Setup(ctx context.Context) (string, error)
}

type Deps struct {
	Controller *controller.Controller
	Store      *ledger.Store
	Calculator *price.Calculator
	// MinTimeRemaining is the lease time clients keep before renewing;
	// it shortens the period a price buys.
	MinTimeRemaining time.Duration
	Replicator       Replicator
	Recoverer        *recovery.Recoverer
	Log              *zap.Logger
}

type Handler struct {
	Deps
}

func NewHandler(d Deps) *Handler {
	return &Handler{Deps: d}
}

// Register mounts every route. Middleware should already be applied.
func (h *Handler) Register(rg gin.IRoutes) {
	// ── Vouchers ───────────────────────────────────────────────────────────
	rg.PUT("/voucher", h.handlePutVoucher)
	rg.GET("/voucher", h.handleListVouchers)
	rg.GET("/voucher/:number", h.handleGetVoucher)

	// ── Tokens and spending ────────────────────────────────────────────────
	rg.GET("/unblinded-token", h.handleUnblindedTokens)
	rg.GET("/lease-maintenance", h.handleLeaseMaintenance)
	rg.POST("/calculate-price", h.handleCalculatePrice)

	// ── Replication ────────────────────────────────────────────────────────
	rg.POST("/replicate", h.handleReplicate)
	rg.GET("/recover", h.handleRecover)

	rg.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": version.Version})
	})
}

func badRequest(c *gin.Context, reason string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"reason": reason})
}

// internalReason is the body of every unexpected 500; details stay in the log.
const internalReason = "internal server error"

// internalError logs err once and answers with a generic 500.
func (h *Handler) internalError(c *gin.Context, op string, err error) {
	h.Log.Error(op, zap.String("path", c.FullPath()), zap.Error(err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"reason": internalReason})
}
