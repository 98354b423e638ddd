package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"casewire/pkg/interfaces"
	"casewire/pkg/types"
)

// EventSink receives every decoded inbound event. A non-nil return means
// the connection must be torn down.
type EventSink interface {
	HandleEvent(ctx context.Context, conn interfaces.Connection, env types.Envelope) error
}

// Options tunes transport timing.
type Options struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PingInterval <= 0 {
		out.PingInterval = 30 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 60 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 5 * time.Second
	}
	if out.BufferSize <= 0 {
		out.BufferSize = 100
	}
	return out
}

// Handler upgrades HTTP requests and runs the per-connection read pump.
// Connections arrive unauthenticated; the first useful event on the wire
// is auth.
type Handler struct {
	registry *Registry
	sink     EventSink
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(registry *Registry, sink EventSink, opts Options, logger *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		sink:     sink,
		opts:     opts.withDefaults(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			// Origin policy is enforced by the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeWS upgrades the request and hands the connection to its own pump
// goroutine. One lightweight task per live connection.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(raw, h.opts.BufferSize, h.opts.WriteTimeout)
	if err := h.registry.Register(conn); err != nil {
		h.logger.Warn("connection registration failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	h.logger.Debug("connection opened", zap.String("conn_id", conn.ID()))
	go h.readPump(conn)
}

func (h *Handler) readPump(conn *Connection) {
	defer h.registry.Unregister(conn)

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	// Heartbeat keeps NATed and proxied connections from silently dying.
	ticker := time.NewTicker(h.opts.PingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(h.opts.WriteTimeout)
				if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	ctx := context.Background()
	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("read failed",
					zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Malformed frames are reported, not fatal.
			payload := types.ErrorPayload{Code: types.CodeBadRequest, Message: "malformed event envelope"}
			_ = conn.WriteJSON(types.NewEnvelope(types.EventError, payload))
			continue
		}

		if err := h.sink.HandleEvent(ctx, conn, env); err != nil {
			// Authentication failures are the one class that closes the
			// connection; the sink already notified the peer.
			h.logger.Info("closing connection",
				zap.String("conn_id", conn.ID()), zap.Error(err))
			return
		}
	}
}
