package hub

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/DoyleJ11/battlesync/internal/engine"
	"github.com/DoyleJ11/battlesync/internal/kv"
	"github.com/DoyleJ11/battlesync/internal/session"
	"github.com/DoyleJ11/battlesync/internal/snapshot"
	"go.uber.org/zap"
)

type HubMsg interface{ isHubMsg() }

type CreateResult struct {
	Session *session.Session
	Created bool
}

type CreateSession struct {
	Code  string
	Rules engine.Rules
	Reply chan CreateResult
}

type GetSession struct {
	Code  string
	Reply chan *session.Session
}

// EnsureSession returns the live session for Code, restoring it from a
// checkpoint or creating it with Rules when there is none.
type EnsureSession struct {
	Code  string
	Rules engine.Rules
	Reply chan *session.Session
}

// RemoveSession unregisters Code only if it still maps to Session.
type RemoveSession struct {
	Code    string
	Session *session.Session
}

type Entry struct {
	Code    string
	Session *session.Session
}

type ListSessions struct {
	Reply chan []Entry
}

type ShutdownHub struct {
	Done chan struct{}
}

func (CreateSession) isHubMsg() {}
func (GetSession) isHubMsg()    {}
func (EnsureSession) isHubMsg() {}
func (RemoveSession) isHubMsg() {}
func (ListSessions) isHubMsg()  {}
func (ShutdownHub) isHubMsg()   {}

type Hub struct {
	inbox    chan HubMsg
	sessions map[string]*session.Session
	opts     session.Options
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewHub starts the registry goroutine. opts is the template every session is
// started with; its Checkpoint store is also where sessions are restored from.
func NewHub(parent context.Context, opts session.Options) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		sessions: make(map[string]*session.Session),
		log:      opts.Logger.Named("hub"),
		ctx:      ctx,
		cancel:   cancel,
	}
	opts.OnEmpty = h.onEmpty
	h.opts = opts
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateSession:
				if s := h.sessions[msg.Code]; s != nil {
					msg.Reply <- CreateResult{Session: s}
					break
				}
				msg.Reply <- CreateResult{Session: h.open(msg.Code, msg.Rules), Created: true}

			case GetSession:
				msg.Reply <- h.sessions[msg.Code] // may be nil

			case EnsureSession:
				if s := h.sessions[msg.Code]; s != nil {
					msg.Reply <- s
					break
				}
				msg.Reply <- h.open(msg.Code, msg.Rules)

			case RemoveSession:
				if h.sessions[msg.Code] == msg.Session {
					delete(h.sessions, msg.Code)
					h.log.Info("session removed", zap.String("session", msg.Code))
				}

			case ListSessions:
				out := make([]Entry, 0, len(h.sessions))
				for code, s := range h.sessions {
					out = append(out, Entry{Code: code, Session: s})
				}
				sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
				msg.Reply <- out

			case ShutdownHub:
				live := make([]*session.Session, 0, len(h.sessions))
				for _, s := range h.sessions {
					s.Send(session.Shutdown{})
					live = append(live, s)
				}
				clear(h.sessions)
				go func() {
					for _, s := range live {
						<-s.Done()
					}
					if msg.Done != nil {
						close(msg.Done)
					}
				}()
				h.cancel()
				return
			}
		}
	}
}

// open starts a session for code, restoring a checkpoint when one exists.
func (h *Hub) open(code string, rules engine.Rules) *session.Session {
	state, version := h.restore(code)
	if state == nil {
		st := engine.NewState(code, rules, h.opts.Now().UnixMilli())
		state = &st
	}
	s := session.New(h.ctx, *state, version, h.opts)
	h.sessions[code] = s
	h.log.Info("session opened", zap.String("session", code), zap.Bool("restored", version > 0))
	return s
}

func (h *Hub) restore(code string) (*engine.State, int) {
	if h.opts.Checkpoint == nil {
		return nil, 0
	}
	ctx, cancel := context.WithTimeout(h.ctx, 3*time.Second)
	defer cancel()
	b, err := h.opts.Checkpoint.Get(ctx, kv.SessionKey(code))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, 0
	}
	if err != nil {
		h.log.Warn("read checkpoint", zap.String("session", code), zap.Error(err))
		return nil, 0
	}
	snap, err := snapshot.Decode(b)
	if err != nil {
		h.log.Warn("decode checkpoint", zap.String("session", code), zap.Error(err))
		return nil, 0
	}
	st := session.Restored(snap.State)
	return &st, snap.Version
}

func (h *Hub) onEmpty(code string, s *session.Session) {
	select {
	case h.inbox <- RemoveSession{Code: code, Session: s}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) Create(ctx context.Context, code string, rules engine.Rules) (CreateResult, error) {
	reply := make(chan CreateResult, 1)
	if err := h.send(ctx, CreateSession{Code: code, Rules: rules, Reply: reply}); err != nil {
		return CreateResult{}, err
	}
	return await(ctx, h.ctx.Done(), reply)
}

func (h *Hub) Get(ctx context.Context, code string) (*session.Session, error) {
	reply := make(chan *session.Session, 1)
	if err := h.send(ctx, GetSession{Code: code, Reply: reply}); err != nil {
		return nil, err
	}
	return await(ctx, h.ctx.Done(), reply)
}

func (h *Hub) Ensure(ctx context.Context, code string, rules engine.Rules) (*session.Session, error) {
	reply := make(chan *session.Session, 1)
	if err := h.send(ctx, EnsureSession{Code: code, Rules: rules, Reply: reply}); err != nil {
		return nil, err
	}
	return await(ctx, h.ctx.Done(), reply)
}

func (h *Hub) List(ctx context.Context) ([]Entry, error) {
	reply := make(chan []Entry, 1)
	if err := h.send(ctx, ListSessions{Reply: reply}); err != nil {
		return nil, err
	}
	return await(ctx, h.ctx.Done(), reply)
}

// Shutdown stops every session, letting each write its final checkpoint, and
// waits until they are gone or ctx expires.
func (h *Hub) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	if err := h.send(ctx, ShutdownHub{Done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var ErrHubClosed = errors.New("hub closed")

func (h *Hub) send(ctx context.Context, m HubMsg) error {
	select {
	case h.inbox <- m:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, closed <-chan struct{}, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-closed:
		return zero, ErrHubClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
