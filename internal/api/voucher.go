package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/ledger"
)

// voucherLength is 32 bytes in base64.
const voucherLength = 44

// maxBodySize bounds request bodies read by the API.
const maxBodySize = 1 << 20

// validVoucher reports whether s is syntactically a voucher number. It
// says nothing about whether the voucher can be redeemed.
func validVoucher(s string) bool {
	if len(s) != voucherLength {
		return false
	}
	_, err := base64.URLEncoding.DecodeString(s)
	return err == nil
}

// readObject decodes a JSON object body whose keys are exactly keys.
func readObject(c *gin.Context, keys ...string) (map[string]json.RawMessage, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || len(obj) != len(keys) {
		return nil, false
	}
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			return nil, false
		}
	}
	return obj, true
}

func (h *Handler) handlePutVoucher(c *gin.Context) {
	obj, ok := readObject(c, "voucher")
	if !ok {
		badRequest(c, "body must be an object with only a voucher property")
		return
	}
	var number string
	if err := json.Unmarshal(obj["voucher"], &number); err != nil || !validVoucher(number) {
		badRequest(c, "voucher must be a 44 character urlsafe base64 string")
		return
	}
	v, err := h.Controller.Redeem(c.Request.Context(), number)
	if err != nil {
		h.internalError(c, "submit voucher", err)
		return
	}
	h.Log.Info("voucher submitted", zap.String("voucher", number), zap.String("state", string(v.State.Kind)))
	c.Status(http.StatusOK)
}

func (h *Handler) handleListVouchers(c *gin.Context) {
	vouchers, err := h.Controller.List(c.Request.Context())
	if err != nil {
		h.internalError(c, "list vouchers", err)
		return
	}
	if vouchers == nil {
		vouchers = []ledger.Voucher{}
	}
	c.JSON(http.StatusOK, gin.H{"vouchers": vouchers})
}

func (h *Handler) handleGetVoucher(c *gin.Context) {
	number := c.Param("number")
	if !validVoucher(number) {
		badRequest(c, "malformed voucher")
		return
	}
	v, err := h.Controller.Get(c.Request.Context(), number)
	if errors.Is(err, ledger.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"reason": "unknown voucher"})
		return
	}
	if err != nil {
		h.internalError(c, "get voucher", err)
		return
	}
	c.JSON(http.StatusOK, v)
}
