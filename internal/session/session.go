package session

import (
	"context"
	"strings"
	"time"

	"github.com/DoyleJ11/battlesync/internal/engine"
	apperrors "github.com/DoyleJ11/battlesync/internal/errors"
	"github.com/DoyleJ11/battlesync/internal/kv"
	"github.com/DoyleJ11/battlesync/internal/snapshot"
	"github.com/DoyleJ11/battlesync/internal/telemetry"
	"github.com/DoyleJ11/battlesync/internal/types"
	"go.uber.org/zap"
)

type Msg interface{ isSessionMsg() }

// Join registers a connection for Player. The session answers on Outbox with a
// state-snapshot, or with an error followed by closing Outbox.
type Join struct {
	Player   engine.Player
	Director bool
	Outbox   chan types.ServerMessage
}

type FromClient struct {
	Cmd engine.Command
}

type Leave struct{ PlayerID string }

// Disconnect reports a dropped transport. It is ignored unless Outbox is
// still the player's current connection.
type Disconnect struct {
	PlayerID string
	Outbox   chan types.ServerMessage
}

type StateRequest struct{ PlayerID string }

type GetState struct {
	Reply chan View
}

type Shutdown struct{}

type timerFired struct {
	key string
	gen int
}

func (Join) isSessionMsg()         {}
func (FromClient) isSessionMsg()   {}
func (Leave) isSessionMsg()        {}
func (Disconnect) isSessionMsg()   {}
func (StateRequest) isSessionMsg() {}
func (GetState) isSessionMsg()     {}
func (Shutdown) isSessionMsg()     {}
func (timerFired) isSessionMsg()   {}

// Counters are kept for observability only.
type Counters struct {
	Joins            int `json:"joins"`
	PhaseChanges     int `json:"phase_changes"`
	ElementMutations int `json:"element_mutations"`
	ChatMessages     int `json:"chat_messages"`
	Errors           int `json:"errors"`
}

type View struct {
	Code     string
	Version  int
	Members  int
	Counters Counters
	State    engine.State
}

type Options struct {
	Logger             *zap.Logger
	Now                func() time.Time
	Grace              time.Duration // how long a disconnected player keeps its seat
	WatchdogSlack      time.Duration
	AutoElect          bool
	Checkpoint         kv.Store
	CheckpointInterval time.Duration
	Metrics            *telemetry.RelayMetrics
	OnEmpty            func(code string, s *Session)
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Grace <= 0 {
		o.Grace = 2 * time.Minute
	}
	if o.WatchdogSlack <= 0 {
		o.WatchdogSlack = 5 * time.Second
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = 10 * time.Second
	}
	return o
}

type member struct {
	outbox chan types.ServerMessage
	team   engine.Team
}

type armed struct {
	gen int
	t   *time.Timer
}

type Session struct {
	code     string
	inbox    chan Msg
	state    engine.State
	version  int
	members  map[string]*member
	allReady map[engine.ReadyContext]bool
	counters Counters
	opts     Options
	log      *zap.Logger

	timers   map[string]*armed
	timerGen int
	dirty    bool
	emptied  bool
	dropped  []string
	flushing bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the session goroutine. Roster entries in initial that are not
// connected get the usual reconnect grace before they are pruned.
func New(parent context.Context, initial engine.State, version int, opts Options) *Session {
	ctx, cancel := context.WithCancel(parent)
	opts = opts.withDefaults()

	s := &Session{
		code:     initial.Code,
		inbox:    make(chan Msg, 64),
		state:    initial.Clone(),
		version:  version,
		members:  make(map[string]*member),
		allReady: make(map[engine.ReadyContext]bool),
		opts:     opts,
		log:      opts.Logger.Named("session").With(zap.String("session", initial.Code)),
		timers:   make(map[string]*armed),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, rc := range readyContexts {
		s.allReady[rc] = engine.AllReady(s.state, rc)
	}
	for _, p := range s.state.Roster {
		if !p.Connected {
			s.arm(pruneKey(p.ID), opts.Grace)
		}
	}
	if len(s.state.Roster) == 0 {
		s.arm(keyEmpty, opts.Grace)
	}
	s.armWatchdog()
	opts.Metrics.SessionOpened(ctx)

	go s.loop()
	return s
}

// Restored prepares a checkpointed state for a fresh relay process: nobody is
// connected and the director seat is open.
func Restored(st engine.State) engine.State {
	st = st.Clone()
	for i := range st.Roster {
		st.Roster[i].Connected = false
	}
	st.Director = ""
	return st
}

func (s *Session) Code() string { return s.code }

// Inbox exposes the mailbox directly. Prefer Send, which does not block once
// the session has ended.
func (s *Session) Inbox() chan<- Msg { return s.inbox }

// Done is closed after the session goroutine has exited and cleaned up.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Send(m Msg) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- m:
		return true
	case <-s.done:
		return false
	}
}

// View asks the session for a consistent copy of its state.
func (s *Session) View(ctx context.Context) (View, bool) {
	reply := make(chan View, 1)
	if !s.Send(GetState{Reply: reply}) {
		return View{}, false
	}
	select {
	case v := <-reply:
		return v, true
	case <-s.done:
		return View{}, false
	case <-ctx.Done():
		return View{}, false
	}
}

const keyEmpty = "empty"
const keyTurn = "turn"

var readyContexts = []engine.ReadyContext{engine.ReadyLobby, engine.ReadyDeployment}

func pruneKey(id string) string { return "prune:" + id }

func (s *Session) loop() {
	defer s.finish()

	var checkpointC <-chan time.Time
	if s.opts.Checkpoint != nil {
		t := time.NewTicker(s.opts.CheckpointInterval)
		defer t.Stop()
		checkpointC = t.C
	}

	for {
		select {
		case <-s.ctx.Done():
			s.checkpoint()
			return

		case <-checkpointC:
			if s.dirty {
				s.checkpoint()
			}

		case m := <-s.inbox:
			if stop := s.handle(m); stop {
				return
			}
		}
	}
}

func (s *Session) handle(m Msg) (stop bool) {
	switch msg := m.(type) {
	case Join:
		s.handleJoin(msg)

	case FromClient:
		if err := s.apply(msg.Cmd); err != nil {
			s.reject(msg.Cmd.SenderID, err)
		}

	case Leave:
		if err := s.apply(engine.Command{Type: engine.CmdLeave, SenderID: msg.PlayerID, Timestamp: s.nowMillis()}); err != nil {
			s.log.Debug("leave ignored", zap.String("player", msg.PlayerID), zap.Error(err))
		}
		s.removeMember(msg.PlayerID)
		s.cancelTimer(pruneKey(msg.PlayerID))
		return s.endIfEmpty()

	case Disconnect:
		m, ok := s.members[msg.PlayerID]
		if !ok || m.outbox != msg.Outbox {
			break
		}
		s.removeMember(msg.PlayerID)
		s.disconnect(msg.PlayerID)

	case StateRequest:
		s.sendSnapshot(msg.PlayerID)

	case GetState:
		msg.Reply <- s.view()

	case Shutdown:
		s.checkpoint()
		return true

	case timerFired:
		return s.onTimer(msg)
	}

	s.flushDropped()
	return false
}

func (s *Session) handleJoin(msg Join) {
	id := msg.Player.ID
	if old, ok := s.members[id]; ok {
		// Same player on a new connection; the old one stops receiving.
		close(old.outbox)
		delete(s.members, id)
	}

	if err := s.apply(engine.Command{Type: engine.CmdJoin, SenderID: id, Timestamp: s.nowMillis(), Player: msg.Player}); err != nil {
		s.counters.Errors++
		s.opts.Metrics.Error(s.ctx, s.code, string(apperrors.KindOf(err)))
		select {
		case msg.Outbox <- types.ServerMessage{Type: types.EventError, Version: s.version, Error: types.ErrorFrom(err)}:
		default:
		}
		close(msg.Outbox)
		return
	}
	s.cancelTimer(pruneKey(id))
	s.cancelTimer(keyEmpty)
	s.counters.Joins++
	s.opts.Metrics.Join(s.ctx, s.code)

	var claimErr error
	if msg.Director && s.state.Director != id {
		claimErr = s.apply(engine.Command{Type: engine.CmdClaimDirector, SenderID: id, Timestamp: s.nowMillis()})
	}

	s.members[id] = &member{outbox: msg.Outbox, team: engine.TeamOf(s.state, id)}
	s.log.Info("player joined", zap.String("player", id), zap.Int("members", len(s.members)))
	s.sendSnapshot(id)
	if claimErr != nil {
		s.reject(id, claimErr)
	}
}

// apply runs cmd through the rules and relays the resulting events. Errors are
// returned to the caller, which decides who hears about them.
func (s *Session) apply(cmd engine.Command) error {
	if cmd.Timestamp == 0 {
		cmd.Timestamp = s.nowMillis()
	}
	events, next, err := engine.Apply(s.state, cmd)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	s.state = next
	s.version++
	s.dirty = true

	relayedAt := s.nowMillis()
	for i := range events {
		events[i].RelayedAt = relayedAt
		s.count(events[i])
		s.deliver(events[i])
	}
	s.afterChange(events)
	return nil
}

func (s *Session) afterChange(events []engine.Event) {
	for _, p := range s.state.Roster {
		if m, ok := s.members[p.ID]; ok {
			m.team = p.Team
		}
	}

	for _, rc := range readyContexts {
		now := engine.AllReady(s.state, rc)
		if now && !s.allReady[rc] {
			s.deliver(engine.Event{Type: engine.EvtAllReady, Scope: engine.ScopeAll, Ready: rc, Timestamp: s.nowMillis()})
		}
		s.allReady[rc] = now
	}

	if engine.ContainsEvent(events, engine.EvtTurnChanged) || engine.ContainsEvent(events, engine.EvtPhaseChanged) {
		s.armWatchdog()
	}

	if s.opts.AutoElect && s.state.Director == "" && engine.ContainsEvent(events, engine.EvtDirectorChanged) {
		s.elect()
	}
}

func (s *Session) elect() {
	var pick *engine.Player
	for i, p := range s.state.Roster {
		if !p.Connected {
			continue
		}
		if pick == nil || p.JoinedAt < pick.JoinedAt {
			pick = &s.state.Roster[i]
		}
	}
	if pick == nil {
		return
	}
	id := pick.ID
	if err := s.apply(engine.Command{Type: engine.CmdClaimDirector, SenderID: id, Timestamp: s.nowMillis()}); err != nil {
		s.log.Warn("director election failed", zap.String("player", id), zap.Error(err))
		return
	}
	s.log.Info("director elected", zap.String("player", id))
}

func (s *Session) armWatchdog() {
	if s.state.Phase != engine.PhaseCombat {
		s.cancelTimer(keyTurn)
		return
	}
	d := time.Duration(s.state.Turn.RemainingSeconds)*time.Second + s.opts.WatchdogSlack
	s.arm(keyTurn, d)
}

func (s *Session) disconnect(id string) {
	if err := s.apply(engine.Command{Type: engine.CmdDisconnect, SenderID: id, Timestamp: s.nowMillis()}); err != nil {
		s.log.Debug("disconnect ignored", zap.String("player", id), zap.Error(err))
		return
	}
	s.log.Info("player disconnected", zap.String("player", id), zap.Duration("grace", s.opts.Grace))
	s.arm(pruneKey(id), s.opts.Grace)
}

func (s *Session) onTimer(msg timerFired) bool {
	t, ok := s.timers[msg.key]
	if !ok || t.gen != msg.gen {
		return false // stale fire
	}
	delete(s.timers, msg.key)

	switch {
	case msg.key == keyEmpty:
		return s.endIfEmpty()

	case msg.key == keyTurn:
		if s.state.Phase != engine.PhaseCombat {
			return false
		}
		next := engine.NextTurn(s.state)
		if err := s.apply(engine.Command{Type: engine.CmdChangeTurn, Turn: &next, Timestamp: s.nowMillis()}); err != nil {
			s.log.Warn("turn watchdog rejected, retrying", zap.Error(err), zap.Duration("in", s.opts.WatchdogSlack))
			s.arm(keyTurn, s.opts.WatchdogSlack)
		} else {
			s.log.Info("turn advanced by watchdog", zap.Int("turn", next.Number), zap.String("active", next.ActivePlayerID))
		}

	case strings.HasPrefix(msg.key, "prune:"):
		id := strings.TrimPrefix(msg.key, "prune:")
		if p, ok := engine.FindPlayer(s.state, id); ok && !p.Connected {
			if err := s.apply(engine.Command{Type: engine.CmdLeave, SenderID: id, Timestamp: s.nowMillis()}); err == nil {
				s.log.Info("player pruned after grace", zap.String("player", id))
			}
		}
		s.flushDropped()
		return s.endIfEmpty()
	}

	s.flushDropped()
	return false
}

func (s *Session) endIfEmpty() bool {
	if len(s.state.Roster) > 0 {
		return false
	}
	s.emptied = true
	s.removeCheckpoint()
	s.log.Info("session empty, closing")
	return true
}

func (s *Session) count(ev engine.Event) {
	switch ev.Type {
	case engine.EvtPhaseChanged:
		s.counters.PhaseChanges++
		s.opts.Metrics.PhaseChange(s.ctx, s.code)
		s.log.Info("phase changed", zap.String("stage", ev.Stage.String()), zap.Bool("reset", ev.Reset))
	case engine.EvtElementCreated, engine.EvtElementMoved, engine.EvtElementDeleted:
		s.counters.ElementMutations++
		s.opts.Metrics.ElementMutation(s.ctx, s.code)
	case engine.EvtChat:
		s.counters.ChatMessages++
		s.opts.Metrics.Chat(s.ctx, s.code)
	}
}

// deliver fans ev out to its scope. The origin never receives its own event
// unless the scope is ScopeAll.
func (s *Session) deliver(ev engine.Event) {
	s.log.Debug("relay", zap.String("event", string(ev.Type)), zap.String("origin", ev.OriginID))
	for id, m := range s.members {
		switch ev.Scope {
		case engine.ScopeOthers:
			if id == ev.OriginID {
				continue
			}
		case engine.ScopeTeam:
			if id == ev.OriginID || m.team != ev.Team {
				continue
			}
		}
		e := ev
		s.push(id, types.ServerMessage{Type: string(ev.Type), Version: s.version, Event: &e})
	}
}

func (s *Session) sendSnapshot(id string) {
	st := s.state.Clone()
	s.push(id, types.ServerMessage{Type: types.EventStateSnapshot, Version: s.version, State: &st})
}

func (s *Session) reject(id string, err error) {
	s.counters.Errors++
	s.opts.Metrics.Error(s.ctx, s.code, string(apperrors.KindOf(err)))
	if apperrors.KindOf(err) == apperrors.KindAuthorization {
		s.log.Warn("rejected", zap.String("player", id), zap.Error(err))
	} else {
		s.log.Debug("rejected", zap.String("player", id), zap.Error(err))
	}
	s.push(id, types.ServerMessage{Type: types.EventError, Version: s.version, Error: types.ErrorFrom(err)})
}

// push never blocks. A member whose buffer is full is dropped and later
// treated as disconnected.
func (s *Session) push(id string, msg types.ServerMessage) {
	m, ok := s.members[id]
	if !ok {
		return
	}
	select {
	case m.outbox <- msg:
	default:
		s.log.Warn("dropping slow client", zap.String("player", id))
		s.removeMember(id)
		s.dropped = append(s.dropped, id)
	}
}

func (s *Session) flushDropped() {
	if s.flushing {
		return
	}
	s.flushing = true
	for len(s.dropped) > 0 {
		id := s.dropped[0]
		s.dropped = s.dropped[1:]
		s.disconnect(id)
	}
	s.flushing = false
}

func (s *Session) removeMember(id string) {
	if m, ok := s.members[id]; ok {
		close(m.outbox)
		delete(s.members, id)
	}
}

func (s *Session) view() View {
	return View{
		Code:     s.code,
		Version:  s.version,
		Members:  len(s.members),
		Counters: s.counters,
		State:    s.state.Clone(),
	}
}

func (s *Session) arm(key string, d time.Duration) {
	s.cancelTimer(key)
	s.timerGen++
	gen := s.timerGen
	s.timers[key] = &armed{gen: gen, t: time.AfterFunc(d, func() {
		s.Send(timerFired{key: key, gen: gen})
	})}
}

func (s *Session) cancelTimer(key string) {
	if t, ok := s.timers[key]; ok {
		t.t.Stop()
		delete(s.timers, key)
	}
}

func (s *Session) checkpoint() {
	if s.opts.Checkpoint == nil || !s.dirty || len(s.state.Roster) == 0 {
		return
	}
	b, err := snapshot.Encode(s.version, s.nowMillis(), s.state)
	if err != nil {
		s.log.Error("encode checkpoint", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.opts.Checkpoint.Set(ctx, kv.SessionKey(s.code), b); err != nil {
		s.log.Warn("checkpoint failed", zap.Error(err))
		return
	}
	s.dirty = false
}

func (s *Session) removeCheckpoint() {
	if s.opts.Checkpoint == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.opts.Checkpoint.Remove(ctx, kv.SessionKey(s.code)); err != nil {
		s.log.Warn("remove checkpoint failed", zap.Error(err))
	}
}

func (s *Session) finish() {
	for key := range s.timers {
		s.cancelTimer(key)
	}
	for id := range s.members {
		s.removeMember(id)
	}
	s.cancel()
	close(s.done)

	// Anything still queued was sent before done closed; release waiting joiners.
	for {
		select {
		case m := <-s.inbox:
			switch msg := m.(type) {
			case Join:
				close(msg.Outbox)
			case GetState:
				select {
				case msg.Reply <- s.view():
				default:
				}
			}
			continue
		default:
		}
		break
	}

	s.opts.Metrics.SessionClosed(context.Background())
	if s.emptied && s.opts.OnEmpty != nil {
		go s.opts.OnEmpty(s.code, s)
	}
}

func (s *Session) nowMillis() int64 { return s.opts.Now().UnixMilli() }
