package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/replica"
)

// CloseParseError is the close code sent for a malformed recovery request.
const CloseParseError = 4000

const parseErrorReason = "Failed to parse recovery request"

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

var errBadRecoveryRequest = errors.New("malformed recovery request")

// parseRecoveryRequest accepts exactly {"recovery-capability": "<read-only capability>"}.
func parseRecoveryRequest(msg []byte) (replica.Capability, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(msg, &obj); err != nil {
		return replica.Capability{}, errors.Join(errBadRecoveryRequest, err)
	}
	raw, ok := obj["recovery-capability"]
	if !ok || len(obj) != 1 {
		return replica.Capability{}, errors.Join(errBadRecoveryRequest, errors.New("want only recovery-capability"))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return replica.Capability{}, errors.Join(errBadRecoveryRequest, err)
	}
	c, err := replica.ParseReadCapability(s)
	if err != nil {
		return replica.Capability{}, errors.Join(errBadRecoveryRequest, err)
	}
	return c, nil
}

// handleRecover streams the stages of a recovery over a websocket. The
// first client message names the replica; every later status of the
// shared session is sent as a JSON text message.
func (h *Handler) handleRecover(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written an error response.
		h.Log.Warn("recover: websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		h.Log.Warn("recover: read request", zap.Error(err))
		return
	}
	capability, err := parseRecoveryRequest(msg)
	if err != nil {
		h.Log.Error("recover: parse request", zap.Error(err))
		closeWith(conn, CloseParseError, parseErrorReason)
		return
	}

	session := h.Recoverer.Join(capability)
	defer session.Leave()

	// A client that goes away stops observing.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; ; i++ {
		st, ok, err := session.Next(ctx, i)
		if err != nil {
			return
		}
		if !ok {
			break
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
		if err := conn.WriteJSON(st); err != nil {
			h.Log.Warn("recover: write status", zap.Error(err))
			return
		}
	}
	closeWith(conn, websocket.CloseNormalClosure, "")
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)) //nolint:errcheck
}
