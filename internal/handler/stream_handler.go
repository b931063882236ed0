package handler

import (
	"encoding/json"

	"github.com/gin-gonic/gin"

	"tradeassist/gateway/internal/hub"
	"tradeassist/gateway/internal/model"
	"tradeassist/gateway/pkg/logger"
)

// StreamHandler serves the gateway's local WebSocket endpoint. Attached
// views receive the sync layer's re-broadcasts; inbound frames are
// limited to channel subscription and application pings. Views are
// local and trusted, so there is no auth step here.
type StreamHandler struct {
	hub *hub.Hub
	log *logger.Logger
}

// NewStreamHandler wires the handler as the hub's inbound protocol.
func NewStreamHandler(h *hub.Hub) *StreamHandler {
	sh := &StreamHandler{
		hub: h,
		log: logger.Component("stream"),
	}
	h.SetOnMessage(sh.onMessage)
	return sh
}

// Serve upgrades the request and attaches the client to the hub.
func (sh *StreamHandler) Serve(c *gin.Context) {
	sh.hub.ServeWS(c)
}

func (sh *StreamHandler) onMessage(c *hub.Client, data []byte) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		sh.log.Warnf("Dropping malformed frame from view %s: %v", c.ID, err)
		return
	}

	switch msg.Type {
	case model.MessageTypeSubscribe:
		var payload model.SubscribePayload
		if err := msg.Decode(&payload); err != nil {
			sh.log.Warnf("Malformed subscribe from view %s: %v", c.ID, err)
			return
		}
		c.SetChannels(payload.Channels)

	case model.MessageTypePing:
		var payload model.PingPayload
		if len(msg.Data) > 0 {
			_ = msg.Decode(&payload)
		}
		pong, err := model.NewMessage(model.MessageTypePong, model.PongPayload{Timestamp: payload.Timestamp})
		if err != nil {
			return
		}
		sh.hub.SendDirect(c, pong)

	default:
		sh.log.Warnf("Unhandled message type %q from view %s", msg.Type, c.ID)
	}
}
