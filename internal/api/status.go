package api

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/price"
)

// spending is the latest finished lease-maintenance activity.
type spending struct {
	When  string `json:"when"`
	Count int64  `json:"count"`
}

func (h *Handler) latestSpending(ctx context.Context) (*spending, error) {
	latest, err := h.Store.LatestLeaseMaintenance(ctx)
	if err != nil || latest == nil {
		return nil, err
	}
	return &spending{When: latest.Finished.Format(time.RFC3339Nano), Count: latest.Count}, nil
}

func (h *Handler) handleLeaseMaintenance(c *gin.Context) {
	s, err := h.latestSpending(c.Request.Context())
	if err != nil {
		h.internalError(c, "lease maintenance", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"spending": s})
}

func (h *Handler) handleUnblindedTokens(c *gin.Context) {
	ctx := c.Request.Context()
	total, err := h.Store.Count(ctx)
	if err != nil {
		h.internalError(c, "count tokens", err)
		return
	}
	s, err := h.latestSpending(ctx)
	if err != nil {
		h.internalError(c, "lease maintenance", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "lease-maintenance-spending": s})
}

func (h *Handler) handleCalculatePrice(c *gin.Context) {
	mt, _, err := mime.ParseMediaType(c.GetHeader("Content-Type"))
	if err != nil || mt != "application/json" {
		c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{"reason": "content-type must be application/json"})
		return
	}
	obj, ok := readObject(c, "version", "sizes")
	if !ok {
		badRequest(c, "body must be an object with only version and sizes properties")
		return
	}
	var v int
	if err := json.Unmarshal(obj["version"], &v); err != nil || v != 1 {
		badRequest(c, "unsupported version")
		return
	}
	var sizes []int64
	if err := json.Unmarshal(obj["sizes"], &sizes); err != nil || sizes == nil {
		badRequest(c, "sizes must be a list of integers")
		return
	}
	p, err := h.Calculator.Calculate(sizes)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"price":  p,
		"period": int64(price.Period(h.MinTimeRemaining) / time.Second),
	})
}
