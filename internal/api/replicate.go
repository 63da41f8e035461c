package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/replicate"
)

func (h *Handler) handleReplicate(c *gin.Context) {
	if h.Replicator == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"reason": "replication is not configured"})
		return
	}
	capability, err := h.Replicator.Setup(c.Request.Context())
	var already *replicate.AlreadySetupError
	switch {
	case errors.As(err, &already):
		c.JSON(http.StatusConflict, gin.H{"recovery-capability": already.Capability})
	case err != nil:
		// The reason is shown to the user configuring replication.
		h.Log.Error("setup replication", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"reason": err.Error()})
	default:
		c.JSON(http.StatusCreated, gin.H{"recovery-capability": capability})
	}
}
