// Package realtime is the connection gateway: it authenticates the websocket
// handshake, owns the per-connection read loop, and dispatches the closed set
// of inbound messages into the collaboration core.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"feedloop/api/internal/auth"
	"feedloop/api/internal/collab"
)

type Limits struct {
	MaxMessageSize   int64
	Heartbeat        time.Duration
	CursorRatePerSec int
	CursorBurst      int
}

func (l Limits) withDefaults() Limits {
	if l.MaxMessageSize <= 0 {
		l.MaxMessageSize = 32 * 1024
	}
	if l.Heartbeat <= 0 {
		l.Heartbeat = 30 * time.Second
	}
	if l.CursorRatePerSec <= 0 {
		l.CursorRatePerSec = 30
	}
	if l.CursorBurst <= 0 {
		l.CursorBurst = 10
	}
	return l
}

type Gateway struct {
	registry *collab.Registry
	hub      *Hub
	secret   []byte
	limits   Limits
	upgrader websocket.Upgrader
}

func NewGateway(registry *collab.Registry, hub *Hub, secret []byte, limits Limits) *Gateway {
	return &Gateway{
		registry: registry,
		hub:      hub,
		secret:   secret,
		limits:   limits.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser origin policy is enforced by the fronting app; the
			// principal token is the gate here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeWS authenticates and upgrades one websocket connection. A missing or
// invalid principal token rejects the connection before any session
// operation.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	principal, err := g.principalFrom(r)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "UNAUTHORIZED", "error": "valid principal token required"})
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: upgrade: %v", err)
		return
	}

	conn := NewConnection(principal.UserID, ws, g.limits.Heartbeat)
	g.hub.Add(conn)
	conn.Start()
	go g.readLoop(conn, ws, principal)
}

func (g *Gateway) principalFrom(r *http.Request) (auth.Principal, error) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return auth.Principal{}, auth.ErrInvalidToken
	}
	return auth.ParseToken(g.secret, token)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

// readLoop consumes inbound frames until the transport drops, then runs the
// leave path. A read error is fatal only to this connection; remaining
// participants just see participant.left.
func (g *Gateway) readLoop(conn *Connection, ws *websocket.Conn, principal auth.Principal) {
	defer func() {
		g.registry.Leave(conn.ID)
		g.hub.Remove(conn.ID)
		conn.Close(websocket.CloseNormalClosure, "bye")
	}()

	pongWait := g.limits.Heartbeat * 2
	ws.SetReadLimit(g.limits.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Server-side throttle for high-frequency cursor traffic; excess frames
	// are dropped silently, which the lossy cursor contract permits.
	cursorLimiter := rate.NewLimiter(rate.Limit(g.limits.CursorRatePerSec), g.limits.CursorBurst)

	ctx := context.Background()
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			g.sendError(conn, "", &collab.DomainError{Status: http.StatusBadRequest, Code: "INVALID_FRAME", Message: "malformed message"})
			continue
		}
		g.dispatch(ctx, conn, principal, frame, cursorLimiter)
	}
}

func (g *Gateway) dispatch(ctx context.Context, conn *Connection, principal auth.Principal, frame inboundFrame, cursorLimiter *rate.Limiter) {
	switch frame.Type {
	case MsgJoin:
		result, err := g.registry.Join(ctx, frame.SessionName, principal, conn.ID)
		if err != nil {
			g.sendError(conn, frame.Ref, err)
			return
		}
		g.sendAck(conn, ackFrame{Type: AckJoin, Ref: frame.Ref, Payload: result})

	case MsgLeave:
		g.registry.Leave(conn.ID)

	case MsgPresenceUpdate:
		if err := g.registry.UpdatePresence(conn.ID, frame.ResourceID); err != nil {
			g.sendError(conn, frame.Ref, err)
		}

	case MsgCursorMove:
		if !cursorLimiter.Allow() {
			return
		}
		if frame.ResourceID == nil {
			g.sendError(conn, frame.Ref, &collab.DomainError{Status: http.StatusUnprocessableEntity, Code: "VALIDATION_ERROR", Message: "resourceId is required"})
			return
		}
		if err := g.registry.MoveCursor(conn.ID, *frame.ResourceID, frame.X, frame.Y); err != nil {
			g.sendError(conn, frame.Ref, err)
		}

	case MsgCommentAdd:
		comment, err := g.registry.AddComment(ctx, conn.ID, frame.Content, frame.ResourceID, frame.ParentID)
		if err != nil {
			g.sendError(conn, frame.Ref, err)
			return
		}
		g.sendAck(conn, ackFrame{Type: AckComment, Ref: frame.Ref, Payload: map[string]any{"comment": comment}})

	case MsgMutationPublish:
		if frame.ResourceID == nil {
			g.sendError(conn, frame.Ref, &collab.DomainError{Status: http.StatusUnprocessableEntity, Code: "VALIDATION_ERROR", Message: "resourceId is required"})
			return
		}
		if _, err := g.registry.PublishMutation(conn.ID, *frame.ResourceID, frame.ChangeSet); err != nil {
			g.sendError(conn, frame.Ref, err)
		}

	default:
		g.sendError(conn, frame.Ref, &collab.DomainError{Status: http.StatusBadRequest, Code: "UNKNOWN_TYPE", Message: "unknown message type"})
	}
}

func (g *Gateway) sendAck(conn *Connection, ack ackFrame) {
	payload, err := json.Marshal(ack)
	if err != nil {
		log.Printf("gateway: marshal ack: %v", err)
		return
	}
	_ = conn.Send(payload)
}

func (g *Gateway) sendError(conn *Connection, ref string, err error) {
	frame := errorFrame{Type: TypeError, Ref: ref, Code: "SERVER_ERROR", Message: "server error"}
	var domainErr *collab.DomainError
	if errors.As(err, &domainErr) {
		frame.Code = domainErr.Code
		frame.Message = domainErr.Message
	}
	payload, marshalErr := json.Marshal(frame)
	if marshalErr != nil {
		return
	}
	_ = conn.Send(payload)
}
