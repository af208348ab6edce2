// Package client composes the gateway, the state store and the phase/turn
// controller into one participant. Everything that touches the mirror runs on
// the goroutine executing Run; public methods hand their work to it.
package client

import (
	"context"
	"time"

	"github.com/DoyleJ11/battlesync/internal/component"
	"github.com/DoyleJ11/battlesync/internal/controller"
	"github.com/DoyleJ11/battlesync/internal/engine"
	apperrors "github.com/DoyleJ11/battlesync/internal/errors"
	"github.com/DoyleJ11/battlesync/internal/gateway"
	"github.com/DoyleJ11/battlesync/internal/kv"
	"github.com/DoyleJ11/battlesync/internal/store"
	"github.com/DoyleJ11/battlesync/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrStopped = apperrors.New(apperrors.KindConnection, "client_stopped", "client is not running")

type Options struct {
	Gateway  gateway.Options
	Code     string
	Identity gateway.Identity
	// KV holds the local snapshot slot. Nil keeps the mirror in memory only.
	KV kv.Store

	PersistInterval time.Duration
	RecoveryWait    time.Duration
	TickInterval    time.Duration
	HistoryCap      int

	Logger *zap.Logger
	Now    func() time.Time

	// OnMessage, if set, sees every inbound message after it was handled.
	OnMessage func(types.ServerMessage)
}

func (o Options) withDefaults() Options {
	if o.PersistInterval <= 0 {
		o.PersistInterval = 30 * time.Second
	}
	if o.RecoveryWait <= 0 {
		o.RecoveryWait = 5 * time.Second
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Gateway.Logger == nil {
		o.Gateway.Logger = o.Logger
	}
	if o.Gateway.Now == nil {
		o.Gateway.Now = o.Now
	}
	return o
}

// Stats is a point-in-time view of the client's bookkeeping.
type Stats struct {
	Version       int
	Conflicts     int
	Remaining     int
	Degraded      bool
	Connected     bool
	CanUndo       bool
	CanRedo       bool
	LastError     error
	RecoveredFrom store.Source
}

type Client struct {
	opts Options
	log  *zap.Logger

	gw    *gateway.Gateway
	store *store.Store
	ctrl  *controller.Controller

	ops chan func()

	recovering    bool
	recoveredFrom store.Source
	lastErr       error

	ready     chan struct{}
	done      chan struct{}
	runCtx    context.Context
	readyOnce bool
}

func New(opts Options) *Client {
	opts = opts.withDefaults()
	self := opts.Identity.PlayerID
	log := opts.Logger.Named("client").With(zap.String("session", opts.Code), zap.String("player", self))
	return &Client{
		opts: opts,
		log:  log,
		gw:   gateway.New(opts.Gateway),
		store: store.New(store.Options{
			Self: self, Code: opts.Code, KV: opts.KV, HistoryCap: opts.HistoryCap, Logger: opts.Logger, Now: opts.Now,
		}),
		ctrl:  controller.New(self, opts.Logger),
		ops:   make(chan func()),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Recovered is closed once the initial recovery installed a state.
func (c *Client) Recovered() <-chan struct{} { return c.ready }

// Done is closed when Run returns.
func (c *Client) Done() <-chan struct{} { return c.done }

// Run connects, recovers the session and serves until ctx is cancelled or the
// gateway gives up, in which case the connection error is returned.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)
	c.runCtx = ctx

	managers := []component.Manager{c.gw, c.store, c.ctrl}
	if err := component.InitAll(ctx, managers...); err != nil {
		return err
	}
	defer func() {
		if derr := component.DestroyAll(managers...); derr != nil {
			c.log.Warn("teardown", zap.Error(derr))
		}
	}()

	c.register()
	if err := c.gw.Connect(ctx, c.opts.Code, c.opts.Identity); err != nil {
		return err
	}
	c.recovering = true

	recovery := time.NewTimer(c.opts.RecoveryWait)
	defer recovery.Stop()
	persist := time.NewTicker(c.opts.PersistInterval)
	defer persist.Stop()
	tick := time.NewTicker(c.opts.TickInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg := <-c.gw.Inbound():
			c.handle(msg)

		case ev := <-c.gw.Status():
			switch ev.State {
			case gateway.StateFailed:
				c.log.Error("connection failed", zap.Error(ev.Err))
				return ev.Err
			case gateway.StateReconnecting:
				c.log.Warn("connection lost, reconnecting", zap.Error(ev.Err))
			case gateway.StateConnected:
				c.log.Info("connected", zap.Bool("reconnected", ev.Reconnected))
			}

		case <-recovery.C:
			if c.recovering {
				c.log.Warn("no snapshot from relay", zap.Duration("waited", c.opts.RecoveryWait))
				c.recover(nil, 0)
			}

		case <-persist.C:
			if err := c.store.Persist(ctx); err != nil {
				c.lastErr = err
			}

		case <-tick.C:
			c.tick()

		case op := <-c.ops:
			c.drainInbound()
			op()
		}
	}
}

func (c *Client) handle(msg types.ServerMessage) {
	c.gw.Dispatch(msg)
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(msg)
	}
}

// drainInbound handles everything already received, so a local change is
// never applied underneath a snapshot that does not contain it.
func (c *Client) drainInbound() {
	for {
		select {
		case msg := <-c.gw.Inbound():
			c.handle(msg)
		default:
			return
		}
	}
}

func (c *Client) register() {
	c.gw.On(types.EventStateSnapshot, c.onSnapshot)
	c.gw.On(types.EventError, c.onError)
	for _, ev := range []string{
		types.EventPlayerJoined, types.EventPlayerLeft, types.EventPlayerStatus,
		types.EventSectorConfirm, types.EventZoneConfirm, types.EventReady,
		types.EventElementCreate, types.EventElementMove, types.EventElementDelete,
		types.EventChat, types.EventDirectorChanged,
	} {
		c.gw.On(ev, func(m types.ServerMessage) { c.onEvent(m) })
	}
	c.gw.On(types.EventPhaseChange, func(m types.ServerMessage) {
		if c.onEvent(m) {
			c.ctrl.HandlePhaseChanged(c.store.State(), m.Event.Reset)
		}
	})
	c.gw.On(types.EventTurnChange, func(m types.ServerMessage) {
		if c.onEvent(m) {
			c.ctrl.HandleTurnChanged(c.store.State().Turn)
		}
	})
	c.gw.On(types.EventAllReady, func(m types.ServerMessage) {
		if !c.onEvent(m) {
			return
		}
		cmd, ok := c.ctrl.HandleAllReady(c.store.State(), m.Event.Ready, c.now())
		if !ok {
			return
		}
		if err := c.submit(cmd); err != nil {
			c.log.Warn("start combat", zap.Error(err))
		}
	})
}

func (c *Client) onSnapshot(m types.ServerMessage) {
	if m.State == nil {
		return
	}
	if c.recovering {
		c.recover(m.State, m.Version)
		return
	}
	c.store.ApplySnapshot(*m.State, m.Version)
	c.ctrl.Sync(c.store.State())
}

// onError treats a relay rejection as a rollback of the optimistic change:
// the authoritative state is requested again.
func (c *Client) onError(m types.ServerMessage) {
	if m.Error == nil {
		return
	}
	c.lastErr = m.Error.Err()
	c.log.Warn("relay rejected message", zap.String("kind", string(m.Error.Kind)), zap.String("code", m.Error.Code), zap.String("message", m.Error.Message))
	if m.Error.Kind != apperrors.KindConnection {
		c.requestState()
	}
}

// onEvent folds a relayed event into the mirror. It reports whether the event
// changed the mirror.
func (c *Client) onEvent(m types.ServerMessage) bool {
	if m.Event == nil {
		return false
	}
	out, err := c.store.ApplyRemote(*m.Event, m.Version)
	switch out {
	case store.Applied:
		return true
	case store.Rejected:
		c.log.Warn("event does not fit the mirror, resyncing", zap.String("event", m.Type), zap.Error(err))
		c.requestState()
	}
	return false
}

func (c *Client) recover(live *engine.State, version int) {
	src, err := c.store.Recover(c.runCtx, live, version)
	if err != nil {
		c.lastErr = err
	}
	c.recovering = false
	c.recoveredFrom = src
	c.ctrl.Sync(c.store.State())
	c.log.Info("state recovered", zap.String("source", string(src)), zap.Int("version", c.store.Version()))
	if !c.readyOnce {
		c.readyOnce = true
		close(c.ready)
	}
}

func (c *Client) requestState() {
	if err := c.gw.SendAt(types.EventStateRequest, nil, c.now()); err != nil {
		c.log.Debug("state-request not sent", zap.Error(err))
	}
}

func (c *Client) tick() {
	cmd, ok := c.ctrl.Tick(c.store.State(), c.now())
	if !ok {
		return
	}
	if err := c.submit(cmd); err != nil {
		c.log.Warn("turn expiry", zap.Error(err))
	}
}

// submit applies cmd optimistically and forwards it to the relay.
func (c *Client) submit(cmd engine.Command) error {
	if !c.gw.Open() {
		return gateway.ErrNotOpen
	}
	event, payload, err := wireFor(cmd)
	if err != nil {
		return err
	}
	switch cmd.Type {
	case engine.CmdCreateElement, engine.CmdMoveElement, engine.CmdDeleteElement:
		if err := c.ctrl.CheckAct(c.store.State()); err != nil {
			return err
		}
	}
	if _, err := c.store.ApplyLocal(cmd); err != nil {
		return err
	}
	if cmd.Type == engine.CmdChangeTurn {
		c.ctrl.HandleTurnChanged(c.store.State().Turn)
	}
	if err := c.gw.SendAt(event, payload, cmd.Timestamp); err != nil {
		c.lastErr = err
		c.requestState()
		return err
	}
	return nil
}

func (c *Client) now() int64 { return c.opts.Now().UnixMilli() }

func (c *Client) self() string { return c.opts.Identity.PlayerID }

func (c *Client) command(t engine.CommandType) engine.Command {
	return engine.Command{Type: t, SenderID: c.self(), Timestamp: c.now()}
}

// do runs fn on the loop goroutine and waits for its result.
func (c *Client) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.ops <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

func (c *Client) ConfirmSector(ctx context.Context, bounds engine.Bounds, coords []engine.Point) error {
	return c.do(ctx, func() error {
		cmd := c.command(engine.CmdConfirmSector)
		cmd.Sector = &engine.Sector{Coordinates: coords, Bounds: bounds}
		return c.submit(cmd)
	})
}

func (c *Client) ConfirmZone(ctx context.Context, team engine.Team, bounds engine.Bounds, coords []engine.Point) error {
	return c.do(ctx, func() error {
		cmd := c.command(engine.CmdConfirmZone)
		cmd.Zone = &engine.Zone{Team: team, Coordinates: coords, Bounds: bounds}
		return c.submit(cmd)
	})
}

// RequestPhase asks the relay to move the session to target. Only the
// director may; asking for the current stage does nothing.
func (c *Client) RequestPhase(ctx context.Context, target engine.Stage) error {
	return c.do(ctx, func() error {
		cmd, ok, err := c.ctrl.RequestTransition(c.store.State(), target, c.now())
		if err != nil || !ok {
			return err
		}
		return c.submit(cmd)
	})
}

// Reset sends the session back to sector definition, discarding the
// preparation data.
func (c *Client) Reset(ctx context.Context) error {
	return c.do(ctx, func() error {
		cmd, err := c.ctrl.RequestReset(c.store.State(), c.now())
		if err != nil {
			return err
		}
		return c.submit(cmd)
	})
}

func (c *Client) Ready(ctx context.Context, rc engine.ReadyContext) error {
	return c.do(ctx, func() error {
		cmd := c.command(engine.CmdReady)
		cmd.Ready = rc
		return c.submit(cmd)
	})
}

// CreateElement places a new element and returns its generated id.
func (c *Client) CreateElement(ctx context.Context, kind string, pos engine.Point, attrs map[string]string) (string, error) {
	id := uuid.NewString()
	err := c.do(ctx, func() error {
		cmd := c.command(engine.CmdCreateElement)
		cmd.ElementID = id
		cmd.Element = &engine.Element{ID: id, Kind: kind, Position: pos, Attributes: attrs}
		return c.submit(cmd)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) MoveElement(ctx context.Context, id string, pos engine.Point) error {
	return c.do(ctx, func() error {
		cmd := c.command(engine.CmdMoveElement)
		cmd.ElementID, cmd.Position = id, pos
		return c.submit(cmd)
	})
}

func (c *Client) DeleteElement(ctx context.Context, id string) error {
	return c.do(ctx, func() error {
		cmd := c.command(engine.CmdDeleteElement)
		cmd.ElementID = id
		return c.submit(cmd)
	})
}

func (c *Client) Chat(ctx context.Context, message string, scope engine.ChatScope) error {
	return c.do(ctx, func() error {
		cmd := c.command(engine.CmdChat)
		cmd.Chat = &engine.Chat{Message: message, Scope: scope}
		return c.submit(cmd)
	})
}

func (c *Client) ClaimDirector(ctx context.Context) error {
	return c.do(ctx, func() error { return c.submit(c.command(engine.CmdClaimDirector)) })
}

func (c *Client) ReleaseDirector(ctx context.Context) error {
	return c.do(ctx, func() error { return c.submit(c.command(engine.CmdReleaseDirector)) })
}

// EndTurn hands the turn to the next player before the clock runs out.
func (c *Client) EndTurn(ctx context.Context) error {
	return c.do(ctx, func() error {
		cmd, err := c.ctrl.EndTurn(c.store.State(), c.now())
		if err != nil {
			return err
		}
		return c.submit(cmd)
	})
}

// Undo steps the local mirror back one entry. The relay is not told.
func (c *Client) Undo(ctx context.Context) (bool, error) {
	var ok bool
	err := c.do(ctx, func() error { ok = c.store.Undo(); return nil })
	return ok, err
}

func (c *Client) Redo(ctx context.Context) (bool, error) {
	var ok bool
	err := c.do(ctx, func() error { ok = c.store.Redo(); return nil })
	return ok, err
}

// Resync replaces the mirror with the relay's current state.
func (c *Client) Resync(ctx context.Context) error {
	return c.do(ctx, func() error {
		if !c.gw.Open() {
			return gateway.ErrNotOpen
		}
		c.requestState()
		return nil
	})
}

// Snapshot returns a copy of the mirror and its version.
func (c *Client) Snapshot(ctx context.Context) (engine.State, int, error) {
	var (
		st      engine.State
		version int
	)
	err := c.do(ctx, func() error {
		st, version = c.store.State(), c.store.Version()
		return nil
	})
	return st, version, err
}

func (c *Client) History(ctx context.Context) ([]store.HistoryEntry, error) {
	var h []store.HistoryEntry
	err := c.do(ctx, func() error { h = c.store.History(); return nil })
	return h, err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.do(ctx, func() error {
		s = Stats{
			Version:       c.store.Version(),
			Conflicts:     c.store.Conflicts(),
			Remaining:     c.ctrl.Remaining(),
			Degraded:      c.store.Degraded(),
			Connected:     c.gw.Open(),
			CanUndo:       c.store.CanUndo(),
			CanRedo:       c.store.CanRedo(),
			LastError:     c.lastErr,
			RecoveredFrom: c.recoveredFrom,
		}
		return nil
	})
	return s, err
}
