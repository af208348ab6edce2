// Package store is the client-side mirror of a session. Local mutations apply
// optimistically; events from the relay are reconciled last-writer-wins per
// entity.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/DoyleJ11/battlesync/internal/engine"
	apperrors "github.com/DoyleJ11/battlesync/internal/errors"
	"github.com/DoyleJ11/battlesync/internal/kv"
	"github.com/DoyleJ11/battlesync/internal/snapshot"
	"go.uber.org/zap"
)

const DefaultHistoryCap = 50

// Outcome says what ApplyRemote did with an event.
type Outcome int

const (
	Applied  Outcome = iota
	Echo             // our own event coming back; already applied
	Conflict         // older than what we hold for the entity
	Rejected         // does not fit the local state at all
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Echo:
		return "echo"
	case Conflict:
		return "conflict"
	default:
		return "rejected"
	}
}

// Source says where Recover found the state it installed.
type Source string

const (
	SourceNetwork Source = "network"
	SourceLocal   Source = "local"
	SourceEmpty   Source = "empty"
)

type HistoryEntry struct {
	Kind      string
	Snapshot  engine.State
	Timestamp int64
}

type Options struct {
	Self       string
	Code       string
	KV         kv.Store // nil keeps the store memory-only
	HistoryCap int
	Logger     *zap.Logger
	Now        func() time.Time
}

type Store struct {
	opts Options
	log  *zap.Logger

	state   engine.State
	version int

	history []HistoryEntry
	cursor  int

	conflicts int
	degraded  bool
}

func New(opts Options) *Store {
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = DefaultHistoryCap
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		opts:     opts,
		log:      opts.Logger.Named("store").With(zap.String("session", opts.Code)),
		degraded: opts.KV == nil,
	}
	s.install(engine.NewEmptyState(opts.Code), 0, "empty")
	return s
}

func (s *Store) Init(ctx context.Context) error { return nil }

func (s *Store) Log() *zap.Logger { return s.log }

// Destroy writes a final snapshot. Persistence problems are reported by
// Persist and never fail teardown.
func (s *Store) Destroy() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = s.Persist(ctx)
	return nil
}

// SlotKey is the durable slot holding the latest snapshot for code.
func SlotKey(code string) string { return "snapshot/" + code }

func (s *Store) State() engine.State { return s.state.Clone() }
func (s *Store) Version() int        { return s.version }
func (s *Store) Conflicts() int      { return s.conflicts }
func (s *Store) Degraded() bool      { return s.degraded }

// ApplyLocal validates cmd against the mirror and applies the events that the
// relay will not send back to us. Events delivered to everyone, such as phase
// changes, wait for the relay's confirmation.
func (s *Store) ApplyLocal(cmd engine.Command) ([]engine.Event, error) {
	events, _, err := engine.Apply(s.state, cmd)
	if err != nil {
		return nil, err
	}
	next := s.state
	changed := false
	for _, ev := range events {
		if ev.Scope == engine.ScopeAll {
			continue
		}
		if next, err = engine.Fold(next, ev); err != nil {
			return nil, err
		}
		changed = true
	}
	if changed {
		s.state = next
		s.push(string(cmd.Type), cmd.Timestamp)
	}
	return events, nil
}

// ApplyRemote reconciles one relayed event. Stale updates are counted and
// dropped without an error.
func (s *Store) ApplyRemote(ev engine.Event, version int) (Outcome, error) {
	if ev.OriginID != "" && ev.OriginID == s.opts.Self {
		s.bump(version)
		return Echo, nil
	}
	if err := checkElement(s.state, ev); err != nil {
		s.log.Debug("remote element change refused", zap.String("event", string(ev.Type)),
			zap.String("origin", ev.OriginID), zap.Error(err))
		return Rejected, err
	}
	next, err := engine.Fold(s.state, ev)
	switch {
	case errors.Is(err, engine.ErrStaleUpdate):
		s.conflicts++
		s.bump(version)
		s.log.Debug("stale update discarded", zap.String("event", string(ev.Type)), zap.String("key", ev.EntityKey()))
		return Conflict, nil
	case err != nil:
		return Rejected, err
	}
	s.state = next
	s.bump(version)
	return Applied, nil
}

// checkElement holds relayed element changes to the rules the mirror enforces
// locally: the turn gate, and an element never changing team or owner.
func checkElement(st engine.State, ev engine.Event) error {
	switch ev.Type {
	case engine.EvtElementCreated, engine.EvtElementMoved, engine.EvtElementDeleted:
	default:
		return nil
	}
	if ev.OriginID == "" {
		return nil
	}
	if !engine.MayMutate(st, ev.OriginID) {
		return engine.ErrNotYourTurn
	}
	existing, ok := st.Elements[ev.ElementID]
	if !ok {
		return nil
	}
	if ev.Element != nil && (ev.Element.Team != existing.Team || ev.Element.OwnerID != existing.OwnerID) {
		return engine.ErrNotOwner
	}
	if p, ok := engine.FindPlayer(st, ev.OriginID); ok && p.Team != existing.Team {
		return engine.ErrNotOwner
	}
	return nil
}

// ApplySnapshot replaces the mirror with an authoritative snapshot and starts
// a fresh history from it.
func (s *Store) ApplySnapshot(st engine.State, version int) {
	s.install(st, version, "snapshot")
}

func (s *Store) bump(version int) {
	if version > s.version {
		s.version = version
	}
}

func (s *Store) install(st engine.State, version int, kind string) {
	s.state = st.Clone()
	s.version = version
	s.history = []HistoryEntry{{Kind: kind, Snapshot: s.state.Clone(), Timestamp: s.opts.Now().UnixMilli()}}
	s.cursor = 0
}

func (s *Store) push(kind string, ts int64) {
	s.history = append(s.history[:s.cursor+1], HistoryEntry{Kind: kind, Snapshot: s.state.Clone(), Timestamp: ts})
	if over := len(s.history) - (s.opts.HistoryCap + 1); over > 0 {
		s.history = append([]HistoryEntry(nil), s.history[over:]...)
	}
	s.cursor = len(s.history) - 1
}

func (s *Store) CanUndo() bool { return s.cursor > 0 }
func (s *Store) CanRedo() bool { return s.cursor < len(s.history)-1 }

// Undo restores the mirror to the entry before the cursor. The relay is not
// told; a state-request brings the shared view back.
func (s *Store) Undo() bool {
	if !s.CanUndo() {
		return false
	}
	s.cursor--
	s.state = s.history[s.cursor].Snapshot.Clone()
	return true
}

func (s *Store) Redo() bool {
	if !s.CanRedo() {
		return false
	}
	s.cursor++
	s.state = s.history[s.cursor].Snapshot.Clone()
	return true
}

func (s *Store) History() []HistoryEntry {
	out := make([]HistoryEntry, len(s.history))
	for i, h := range s.history {
		out[i] = HistoryEntry{Kind: h.Kind, Snapshot: h.Snapshot.Clone(), Timestamp: h.Timestamp}
	}
	return out
}

// Persist writes the mirror to the durable slot. The first failure switches
// the store to memory-only for the rest of the session.
func (s *Store) Persist(ctx context.Context) error {
	if s.degraded {
		return nil
	}
	b, err := snapshot.Encode(s.version, s.opts.Now().UnixMilli(), s.state)
	if err == nil {
		err = s.opts.KV.Set(ctx, SlotKey(s.opts.Code), b)
	}
	if err != nil {
		return s.degrade("persist snapshot", err)
	}
	return nil
}

// Recover installs live if the relay supplied one, else the last persisted
// snapshot, else an empty session.
func (s *Store) Recover(ctx context.Context, live *engine.State, version int) (Source, error) {
	if live != nil {
		s.install(*live, version, "recover")
		return SourceNetwork, nil
	}
	if !s.degraded {
		b, err := s.opts.KV.Get(ctx, SlotKey(s.opts.Code))
		switch {
		case errors.Is(err, kv.ErrNotFound):
		case err != nil:
			perr := s.degrade("read snapshot", err)
			s.install(engine.NewEmptyState(s.opts.Code), 0, "recover")
			return SourceEmpty, perr
		default:
			snap, err := snapshot.Decode(b)
			if err != nil {
				perr := s.degrade("decode snapshot", err)
				s.install(engine.NewEmptyState(s.opts.Code), 0, "recover")
				return SourceEmpty, perr
			}
			s.install(snap.State, snap.Version, "recover")
			return SourceLocal, nil
		}
	}
	s.install(engine.NewEmptyState(s.opts.Code), 0, "recover")
	return SourceEmpty, nil
}

func (s *Store) degrade(op string, err error) error {
	s.degraded = true
	s.log.Warn("persistence unavailable, continuing in memory", zap.String("op", op), zap.Error(err))
	return apperrors.Wrap(apperrors.KindPersistence, "persistence_failed", op, err)
}
