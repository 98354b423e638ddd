// Package client implements the connecting endpoint's retry policy: an
// explicit reconnect state machine with exponential backoff. Room
// membership is not preserved server-side across a transport disconnect,
// so the reconnector replays authentication and re-joins every case room
// that was active before the drop.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"casewire/pkg/types"
)

// State is the reconnector's externally visible condition.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateBackoff    State = "backoff"
	StateClosed     State = "closed"
)

var (
	// ErrGaveUp is returned when the attempt budget is exhausted; the UI
	// layer should surface a persistent "disconnected" state.
	ErrGaveUp = errors.New("client: reconnect attempts exhausted")

	// ErrNotConnected is returned for sends while the transport is down.
	ErrNotConnected = errors.New("client: not connected")
)

// Options configures a Reconnector.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://host:8080/ws.
	URL string

	// Auth is replayed verbatim after every (re)connect.
	Auth types.AuthPayload

	// BaseDelay doubles per failed attempt up to MaxDelay. MaxAttempts
	// bounds the total; zero values take the defaults below.
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// OnEvent receives every inbound envelope. OnState observes
	// transitions. Both may be nil; neither may block for long.
	OnEvent func(types.Envelope)
	OnState func(State)

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Backoff returns the delay before the given zero-based attempt: the base
// doubling per attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Reconnector maintains one logical connection across transport drops.
type Reconnector struct {
	opts Options

	mu     sync.Mutex
	conn   *websocket.Conn
	rooms  map[string]struct{}
	state  State
	closed bool
}

// New creates a reconnector; call Run to start it.
func New(opts Options) *Reconnector {
	return &Reconnector{
		opts:  opts.withDefaults(),
		rooms: make(map[string]struct{}),
		state: StateConnecting,
	}
}

// State returns the current state.
func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconnector) setState(s State) {
	r.mu.Lock()
	if r.state == s {
		r.mu.Unlock()
		return
	}
	r.state = s
	onState := r.opts.OnState
	r.mu.Unlock()

	if onState != nil {
		onState(s)
	}
}

// Run drives the connect/read/backoff loop until ctx ends, Close is
// called, or the attempt budget runs out. Each successful connection
// resets the attempt counter.
func (r *Reconnector) Run(ctx context.Context) error {
	attempt := 0
	for {
		if r.isClosed() {
			return nil
		}

		r.setState(StateConnecting)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.opts.URL, nil)
		if err == nil {
			attempt = 0
			r.setConn(conn)
			r.setState(StateOpen)

			if err := r.handshake(); err != nil {
				r.opts.Logger.Warn("handshake failed", zap.Error(err))
				_ = conn.Close()
			} else {
				r.readLoop(ctx, conn)
			}
			r.setConn(nil)
		} else {
			r.opts.Logger.Warn("dial failed", zap.String("url", r.opts.URL), zap.Error(err))
		}

		if r.isClosed() || ctx.Err() != nil {
			r.setState(StateClosed)
			return ctx.Err()
		}

		if attempt >= r.opts.MaxAttempts {
			r.setState(StateClosed)
			return ErrGaveUp
		}

		delay := Backoff(attempt, r.opts.BaseDelay, r.opts.MaxDelay)
		attempt++
		r.setState(StateBackoff)
		r.opts.Logger.Info("reconnecting",
			zap.Int("attempt", attempt), zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.setState(StateClosed)
			return ctx.Err()
		}
	}
}

// handshake replays auth and re-joins every tracked room.
func (r *Reconnector) handshake() error {
	if err := r.write(types.NewEnvelope(types.EventAuth, r.opts.Auth)); err != nil {
		return err
	}

	r.mu.Lock()
	rooms := make([]string, 0, len(r.rooms))
	for caseID := range r.rooms {
		rooms = append(rooms, caseID)
	}
	r.mu.Unlock()

	for _, caseID := range rooms {
		if err := r.write(types.NewEnvelope(types.EventJoinCase, types.JoinPayload{CaseID: caseID})); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconnector) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			r.opts.Logger.Warn("undecodable frame", zap.Error(err))
			continue
		}
		if r.opts.OnEvent != nil {
			r.opts.OnEvent(env)
		}
	}
}

// Join subscribes to a case room and remembers it for replay after
// reconnects.
func (r *Reconnector) Join(caseID string) error {
	r.mu.Lock()
	r.rooms[caseID] = struct{}{}
	r.mu.Unlock()
	return r.write(types.NewEnvelope(types.EventJoinCase, types.JoinPayload{CaseID: caseID}))
}

// Leave unsubscribes from a case room and stops replaying it.
func (r *Reconnector) Leave(caseID string) error {
	r.mu.Lock()
	delete(r.rooms, caseID)
	r.mu.Unlock()
	return r.write(types.NewEnvelope(types.EventLeaveCase, types.JoinPayload{CaseID: caseID}))
}

// Send submits a message to a case.
func (r *Reconnector) Send(caseID, body string) error {
	return r.write(types.NewEnvelope(types.EventSend, types.SendPayload{CaseID: caseID, Body: body}))
}

// MarkRead records that this endpoint has seen a message.
func (r *Reconnector) MarkRead(caseID, messageID string) error {
	return r.write(types.NewEnvelope(types.EventMarkRead, types.MarkReadPayload{CaseID: caseID, MessageID: messageID}))
}

// Close ends the reconnector permanently; Run returns after the current
// read unblocks.
func (r *Reconnector) Close() error {
	r.mu.Lock()
	r.closed = true
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	r.setState(StateClosed)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (r *Reconnector) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Reconnector) setConn(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = conn
}

// write serializes writes; gorilla connections forbid concurrent writers.
func (r *Reconnector) write(env types.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return ErrNotConnected
	}
	return r.conn.WriteJSON(env)
}
