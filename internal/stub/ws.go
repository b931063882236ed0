package stub

import (
	"encoding/json"
	"time"

	"tradeassist/gateway/internal/hub"
	"tradeassist/gateway/internal/model"
	"tradeassist/gateway/pkg/jwt"
	"tradeassist/gateway/pkg/logger"
)

// wsProtocol implements the server side of the stream handshake:
// token auth, channel subscription and application-level ping/pong.
// Frames from clients that never authenticate are answered but the hub
// delivers no broadcasts to them.
type wsProtocol struct {
	hub *hub.Hub
	jwt *jwt.JWTManager
	log *logger.Logger
}

func newWSProtocol(h *hub.Hub, manager *jwt.JWTManager) *wsProtocol {
	return &wsProtocol{
		hub: h,
		jwt: manager,
		log: logger.Component("stub-ws"),
	}
}

func (p *wsProtocol) handle(c *hub.Client, data []byte) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		p.log.Warnf("Dropping malformed frame from %s: %v", c.ID, err)
		return
	}

	switch msg.Type {
	case model.MessageTypeAuth:
		p.handleAuth(c, &msg)
	case model.MessageTypeSubscribe:
		p.handleSubscribe(c, &msg)
	case model.MessageTypePing:
		p.handlePing(c, &msg)
	default:
		p.log.Warnf("Unhandled message type %q from %s", msg.Type, c.ID)
	}
}

func (p *wsProtocol) handleAuth(c *hub.Client, msg *model.Message) {
	var payload model.AuthPayload
	if err := msg.Decode(&payload); err != nil || payload.Token == "" {
		p.reject(c, "Malformed auth message")
		return
	}

	claims, err := p.jwt.ValidateToken(payload.Token)
	if err != nil {
		if jwt.IsExpired(err) {
			p.reject(c, "Token expired")
		} else {
			p.reject(c, "Invalid token")
		}
		return
	}

	c.SetAuthed()
	ack, err := model.NewMessage(model.MessageTypeConnectionAck, model.ConnectionAckPayload{
		ClientID:   claims.ClientID,
		ServerTime: time.Now().Unix(),
	})
	if err != nil {
		p.log.Errorf("Failed to build connection ack: %v", err)
		return
	}
	p.hub.SendDirect(c, ack)
	p.log.Infof("WS client authenticated: conn=%s client=%s", c.ID, claims.ClientID)
}

func (p *wsProtocol) handleSubscribe(c *hub.Client, msg *model.Message) {
	if !c.IsAuthed() {
		p.reject(c, "Authenticate before subscribing")
		return
	}

	var payload model.SubscribePayload
	if err := msg.Decode(&payload); err != nil {
		p.log.Warnf("Malformed subscribe from %s: %v", c.ID, err)
		return
	}
	c.SetChannels(payload.Channels)
	p.log.Infof("WS client subscribed: conn=%s channels=%v", c.ID, payload.Channels)
}

func (p *wsProtocol) handlePing(c *hub.Client, msg *model.Message) {
	var payload model.PingPayload
	if len(msg.Data) > 0 {
		if err := msg.Decode(&payload); err != nil {
			p.log.Warnf("Malformed ping from %s: %v", c.ID, err)
		}
	}
	pong, err := model.NewMessage(model.MessageTypePong, model.PongPayload{Timestamp: payload.Timestamp})
	if err != nil {
		return
	}
	p.hub.SendDirect(c, pong)
}

// reject answers a failed handshake step. The connection stays open;
// clients treat auth_error as terminal and close their end.
func (p *wsProtocol) reject(c *hub.Client, reason string) {
	msg, err := model.NewMessage(model.MessageTypeAuthError, model.AuthErrorPayload{Message: reason})
	if err != nil {
		return
	}
	p.hub.SendDirect(c, msg)
	p.log.Warnf("WS auth rejected: conn=%s reason=%s", c.ID, reason)
}
