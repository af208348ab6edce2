package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/DoyleJ11/battlesync/internal/engine"
	apperrors "github.com/DoyleJ11/battlesync/internal/errors"
	"github.com/DoyleJ11/battlesync/internal/hub"
	"github.com/DoyleJ11/battlesync/internal/session"
	"github.com/DoyleJ11/battlesync/internal/telemetry"
	"github.com/DoyleJ11/battlesync/internal/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Options struct {
	Logger       *zap.Logger
	Rate         rate.Limit
	Burst        int
	PingInterval time.Duration
	JoinTimeout  time.Duration
	WriteTimeout time.Duration
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Rate <= 0 {
		o.Rate = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

const (
	joinAttempts = 3
	outboxSize   = 64
	readLimit    = 64 << 10
)

var ErrRateLimited = apperrors.New(apperrors.KindValidation, "rate_limited", "rate limited")

func Handler(h *hub.Hub, opts Options) http.HandlerFunc {
	opts = opts.withDefaults()
	log := opts.Logger.Named("ws")
	tracer := otel.Tracer(telemetry.ScopeName)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		conn.SetReadLimit(readLimit)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		hello, join, err := readJoin(ctx, conn, opts.JoinTimeout)
		if err != nil {
			writeError(ctx, conn, err)
			return
		}
		code := hello.SessionCode
		plog := log.With(zap.String("session", code), zap.String("player", join.PlayerID))

		sess, out, first, err := attach(ctx, h, code, join, opts.JoinTimeout)
		if err != nil {
			plog.Warn("join failed", zap.Error(err))
			writeError(ctx, conn, err)
			return
		}
		if first.Type == types.EventError {
			_ = wsjson.Write(ctx, conn, first)
			return
		}
		plog.Info("connected")

		left := false
		defer func() {
			if !left {
				sess.Send(session.Disconnect{PlayerID: join.PlayerID, Outbox: out})
			}
		}()

		// Writer: everything the session sends us, in order. A closed outbox
		// means the session dropped this connection.
		go func() {
			defer cancel()
			if err := write(ctx, conn, first, opts.WriteTimeout); err != nil {
				return
			}
			for msg := range out {
				if err := write(ctx, conn, msg, opts.WriteTimeout); err != nil {
					plog.Debug("write failed", zap.Error(err))
					return
				}
			}
		}()

		go keepalive(ctx, conn, opts.PingInterval, cancel)

		limiter := rate.NewLimiter(opts.Rate, opts.Burst)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					plog.Info("closed by client")
				default:
					plog.Debug("read ended", zap.Error(err))
				}
				return
			}
			if !limiter.Allow() {
				writeError(ctx, conn, ErrRateLimited)
				continue
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				writeError(ctx, conn, types.ErrMalformedPayload)
				continue
			}

			_, span := tracer.Start(ctx, "ws."+cm.Type,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attribute.String("session", code), attribute.String("player", join.PlayerID)))

			switch cm.Type {
			case types.EventLeaveSession:
				sess.Send(session.Leave{PlayerID: join.PlayerID})
				left = true
				span.End()
				return
			case types.EventStateRequest:
				sess.Send(session.StateRequest{PlayerID: join.PlayerID})
				span.End()
				continue
			}

			if cm.SessionCode != "" && cm.SessionCode != code {
				err = types.ErrSessionNotFound
			} else {
				var cmd engine.Command
				cmd, err = toCommand(cm, join.PlayerID, opts.Now().UnixMilli())
				if err == nil && !sess.Send(session.FromClient{Cmd: cmd}) {
					span.End()
					return
				}
			}
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				writeError(ctx, conn, err)
			}
			span.End()
		}
	}
}

func readJoin(ctx context.Context, conn *websocket.Conn, timeout time.Duration) (types.ClientMessage, types.JoinPayload, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var hello types.ClientMessage
	if err := wsjson.Read(rctx, conn, &hello); err != nil {
		return hello, types.JoinPayload{}, types.ErrMalformedPayload
	}
	if hello.Type != types.EventJoinSession {
		return hello, types.JoinPayload{}, types.ErrNotJoined
	}
	if hello.SessionCode == "" {
		return hello, types.JoinPayload{}, types.ErrMissingSessionCode
	}
	join, err := types.DecodePayload[types.JoinPayload](hello)
	return hello, join, err
}

// attach joins the session for code and waits for its first reply. A session
// that ends between lookup and join is retried against a fresh one.
func attach(ctx context.Context, h *hub.Hub, code string, join types.JoinPayload, timeout time.Duration) (*session.Session, chan types.ServerMessage, types.ServerMessage, error) {
	rules := engine.Rules{Mode: join.Mode, TurnSeconds: join.TurnSeconds}
	player := engine.Player{ID: join.PlayerID, Name: join.Name, Team: join.Team}

	for attempt := 0; attempt < joinAttempts; attempt++ {
		sess, err := h.Ensure(ctx, code, rules)
		if err != nil {
			return nil, nil, types.ServerMessage{}, err
		}
		out := make(chan types.ServerMessage, outboxSize)
		if !sess.Send(session.Join{Player: player, Director: join.Director, Outbox: out}) {
			continue
		}

		wait := time.NewTimer(timeout)
		select {
		case first, ok := <-out:
			wait.Stop()
			if ok {
				return sess, out, first, nil
			}
		case <-sess.Done():
			wait.Stop()
		case <-wait.C:
		case <-ctx.Done():
			wait.Stop()
			return nil, nil, types.ServerMessage{}, ctx.Err()
		}
	}
	return nil, nil, types.ServerMessage{}, types.ErrSessionNotFound
}

func write(ctx context.Context, conn *websocket.Conn, msg types.ServerMessage, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return wsjson.Write(wctx, conn, msg)
}

func writeError(ctx context.Context, conn *websocket.Conn, err error) {
	_ = write(ctx, conn, types.ServerMessage{Type: types.EventError, Error: types.ErrorFrom(err)}, 3*time.Second)
}

func keepalive(ctx context.Context, conn *websocket.Conn, every time.Duration, cancel context.CancelFunc) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, pcancel := context.WithTimeout(ctx, every)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}
