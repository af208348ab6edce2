// Package gateway owns the client side of the session channel: dialing with a
// bounded retry budget, rejoining after a drop, and routing inbound messages
// through a per-event dispatch table.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DoyleJ11/battlesync/internal/engine"
	apperrors "github.com/DoyleJ11/battlesync/internal/errors"
	"github.com/DoyleJ11/battlesync/internal/types"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrNotOpen     = apperrors.New(apperrors.KindConnection, "not_open", "channel is not open")
	ErrNoSession   = apperrors.New(apperrors.KindValidation, "missing_session_code", "session code is required")
	ErrSendBacklog = apperrors.New(apperrors.KindConnection, "send_backlog", "outbound queue is full")
	ErrExhausted   = apperrors.New(apperrors.KindConnection, "retries_exhausted", "could not reach the relay")
)

// Identity is what the local participant announces on join.
type Identity struct {
	PlayerID string
	Name     string
	Team     engine.Team
	Director bool
	// Rules are only used if the join creates the session.
	Rules engine.Rules
}

type State int

const (
	StateIdle State = iota
	StateConnected
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// StatusEvent reports a change of channel state to the application.
type StatusEvent struct {
	State       State
	Reconnected bool
	Err         error
}

type Handler func(types.ServerMessage)

type Options struct {
	URL          string
	Dialer       *websocket.Dialer
	MaxAttempts  uint
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Gateway struct {
	opts Options
	log  *zap.Logger

	code  string
	ident Identity

	handlers map[string]Handler

	inbound  chan types.ServerMessage
	outbound chan types.ClientMessage
	status   chan StatusEvent

	open atomic.Bool
	conn atomic.Pointer[websocket.Conn]

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func New(opts Options) *Gateway {
	opts = opts.withDefaults()
	return &Gateway{
		opts:     opts,
		log:      opts.Logger.Named("gateway"),
		handlers: make(map[string]Handler),
		inbound:  make(chan types.ServerMessage, 256),
		outbound: make(chan types.ClientMessage, 64),
		status:   make(chan StatusEvent, 16),
		done:     make(chan struct{}),
	}
}

func (g *Gateway) Init(ctx context.Context) error {
	if g.opts.URL == "" {
		return apperrors.New(apperrors.KindValidation, "missing_url", "relay url is required")
	}
	return nil
}

func (g *Gateway) Log() *zap.Logger { return g.log }

func (g *Gateway) Destroy() error { return g.Close() }

// On registers the handler for event, replacing any previous one.
func (g *Gateway) On(event string, h Handler) { g.handlers[event] = h }

// Dispatch runs the handler registered for msg.Type. It must be called from
// the goroutine that owns the handlers.
func (g *Gateway) Dispatch(msg types.ServerMessage) bool {
	h, ok := g.handlers[msg.Type]
	if !ok {
		g.log.Debug("no handler", zap.String("event", msg.Type))
		return false
	}
	h(msg)
	return true
}

func (g *Gateway) Inbound() <-chan types.ServerMessage { return g.inbound }
func (g *Gateway) Status() <-chan StatusEvent          { return g.status }
func (g *Gateway) Open() bool                          { return g.open.Load() }
func (g *Gateway) Code() string                        { return g.code }
func (g *Gateway) Done() <-chan struct{}               { return g.done }

// Connect dials the relay, retrying with exponential backoff up to
// MaxAttempts, and announces ident on code. Once it returns nil the channel is
// kept up in the background until Close or a terminal failure.
func (g *Gateway) Connect(ctx context.Context, code string, ident Identity) error {
	if code == "" {
		return ErrNoSession
	}
	if ident.PlayerID == "" {
		return types.ErrMissingPlayerID
	}
	g.code, g.ident = code, ident
	g.log = g.log.With(zap.String("session", code), zap.String("player", ident.PlayerID))

	conn, err := g.dial(ctx)
	if err != nil {
		return err
	}
	if err := g.announce(conn, false); err != nil {
		conn.Close()
		return apperrors.Wrap(apperrors.KindConnection, "join_failed", "send join", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.conn.Store(conn)
	g.open.Store(true)
	g.emit(runCtx, StatusEvent{State: StateConnected})
	go g.run(runCtx, conn)
	return nil
}

// Send stamps payload with the session context and queues it. It returns
// false if the channel is not open, there is no session, or the payload does
// not validate.
func (g *Gateway) Send(event string, payload any) bool {
	return g.SendAt(event, payload, g.opts.Now().UnixMilli()) == nil
}

// SendAt is Send with an explicit timestamp and the reason for refusal.
func (g *Gateway) SendAt(event string, payload any, ts int64) error {
	if g.code == "" {
		return ErrNoSession
	}
	if !g.open.Load() {
		return ErrNotOpen
	}
	msg, err := types.NewClientMessage(event, g.code, g.ident.PlayerID, ts, payload)
	if err != nil {
		return err
	}
	select {
	case g.outbound <- msg:
		return nil
	default:
		return ErrSendBacklog
	}
}

// Interrupt drops the current connection as if the network failed. The
// gateway reconnects on its own.
func (g *Gateway) Interrupt() {
	if c := g.conn.Load(); c != nil {
		_ = c.Close()
	}
}

// Close leaves the session and stops the background loop.
func (g *Gateway) Close() error {
	g.once.Do(func() {
		if g.cancel == nil {
			close(g.done)
			return
		}
		if g.open.Load() {
			if msg, err := types.NewClientMessage(types.EventLeaveSession, g.code, g.ident.PlayerID, g.opts.Now().UnixMilli(), nil); err == nil {
				select {
				case g.outbound <- msg:
				default:
				}
			}
		}
		g.cancel()
	})
	<-g.done
	return nil
}

func (g *Gateway) dial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.BaseDelay
	b.MaxInterval = g.opts.MaxDelay
	b.Multiplier = 2

	attempt := 0
	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		attempt++
		conn, _, err := g.opts.Dialer.DialContext(ctx, g.opts.URL, nil)
		if err != nil {
			g.log.Warn("dial failed", zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		return conn, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(g.opts.MaxAttempts))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.Wrap(apperrors.KindConnection, "retries_exhausted",
			fmt.Sprintf("could not reach the relay after %d attempts", attempt), err)
	}
	return conn, nil
}

// announce writes join-session directly on conn, followed by a state-request
// after a reconnect.
func (g *Gateway) announce(conn *websocket.Conn, reconnect bool) error {
	join := types.JoinPayload{
		PlayerID:    g.ident.PlayerID,
		Name:        g.ident.Name,
		Team:        g.ident.Team,
		Director:    g.ident.Director,
		Mode:        g.ident.Rules.Mode,
		TurnSeconds: g.ident.Rules.TurnSeconds,
	}
	now := g.opts.Now().UnixMilli()
	msg, err := types.NewClientMessage(types.EventJoinSession, g.code, g.ident.PlayerID, now, join)
	if err != nil {
		return err
	}
	if err := g.write(conn, msg); err != nil {
		return err
	}
	if !reconnect {
		return nil
	}
	req, err := types.NewClientMessage(types.EventStateRequest, g.code, g.ident.PlayerID, now, nil)
	if err != nil {
		return err
	}
	return g.write(conn, req)
}

// discardBacklog drops traffic queued for a connection that is gone. The
// resync snapshot that follows a reconnect replaces whatever it would have
// changed locally.
func (g *Gateway) discardBacklog() int {
	n := 0
	for {
		select {
		case <-g.outbound:
			n++
		default:
			return n
		}
	}
}

func (g *Gateway) write(conn *websocket.Conn, msg types.ClientMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout))
	return conn.WriteJSON(msg)
}

func (g *Gateway) emit(ctx context.Context, ev StatusEvent) {
	select {
	case g.status <- ev:
	case <-ctx.Done():
	}
}

func (g *Gateway) closed() {
	select {
	case g.status <- StatusEvent{State: StateClosed}:
	default:
	}
}

// run keeps the channel alive: serve the current connection until it fails,
// then redial within the retry budget. After a redial the channel stays closed
// for sends until the answer to the state-request has been queued inbound.
func (g *Gateway) run(ctx context.Context, conn *websocket.Conn) {
	defer close(g.done)
	resync := 0
	for {
		err := g.serve(ctx, conn, resync)
		g.open.Store(false)
		_ = conn.Close()
		if ctx.Err() != nil {
			g.closed()
			return
		}

		g.log.Warn("connection lost", zap.Error(err))
		g.emit(ctx, StatusEvent{State: StateReconnecting, Err: err})

		if n := g.discardBacklog(); n > 0 {
			g.log.Warn("discarded unsent messages", zap.Int("count", n))
		}
		conn, err = g.dial(ctx)
		if err == nil {
			if err = g.announce(conn, true); err != nil {
				_ = conn.Close()
				err = apperrors.Wrap(apperrors.KindConnection, "join_failed", "send join", err)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				g.closed()
				return
			}
			g.log.Error("giving up", zap.Error(err))
			g.emit(ctx, StatusEvent{State: StateFailed, Err: err})
			return
		}
		g.conn.Store(conn)
		// join and state-request are each answered with a snapshot
		resync = 2
		g.log.Info("reconnected")
		g.emit(ctx, StatusEvent{State: StateConnected, Reconnected: true})
	}
}

func (g *Gateway) serve(ctx context.Context, conn *websocket.Conn, resync int) error {
	readTimeout := 3 * g.opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	readErr := make(chan error, 1)
	go func() { readErr <- g.read(ctx, conn, readTimeout, resync) }()

	ping := time.NewTicker(g.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			// flush a pending leave before closing
		flush:
			for {
				select {
				case msg := <-g.outbound:
					_ = g.write(conn, msg)
				default:
					break flush
				}
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
			return ctx.Err()

		case err := <-readErr:
			return err

		case msg := <-g.outbound:
			if err := g.write(conn, msg); err != nil {
				return err
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.opts.WriteTimeout)); err != nil {
				return err
			}
		}
	}
}

// read forwards inbound messages. While resync snapshots are outstanding the
// channel stays closed; it opens once the last of them has been queued, so
// the application handles it before anything it sends next.
func (g *Gateway) read(ctx context.Context, conn *websocket.Conn, timeout time.Duration, resync int) error {
	for {
		var msg types.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		select {
		case g.inbound <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
		if resync > 0 && msg.Type == types.EventStateSnapshot {
			if resync--; resync == 0 {
				g.open.Store(true)
				g.log.Debug("resynced, sends resumed")
			}
		}
	}
}
