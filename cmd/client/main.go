package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/DoyleJ11/battlesync/internal/client"
	"github.com/DoyleJ11/battlesync/internal/config"
	"github.com/DoyleJ11/battlesync/internal/engine"
	"github.com/DoyleJ11/battlesync/internal/gateway"
	"github.com/DoyleJ11/battlesync/internal/kv"
	"github.com/DoyleJ11/battlesync/internal/kv/sqlite"
	"github.com/DoyleJ11/battlesync/internal/logging"
	"github.com/DoyleJ11/battlesync/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const usage = `commands:
  sector MINLAT MINLNG MAXLAT MAXLNG
  zone red|blue MINLAT MINLNG MAXLAT MAXLNG
  phase PHASE SUBPHASE | reset
  ready lobby|deployment
  create KIND LAT LNG | move ID LAT LNG | delete ID
  chat [team] MESSAGE
  end | undo | redo | resync
  claim | release
  state | stats | quit`

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.Dev)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store kv.Store
	if db, err := sqlite.Open(cfg.StatePath); err != nil {
		log.Warn("local state unavailable, keeping it in memory", zap.String("path", cfg.StatePath), zap.Error(err))
	} else {
		store = db
		defer db.Close()
	}

	c := client.New(client.Options{
		Gateway: gateway.Options{
			URL:         cfg.ServerURL,
			MaxAttempts: cfg.MaxReconnectAttempts,
			BaseDelay:   cfg.ReconnectBaseDelay,
			MaxDelay:    cfg.ReconnectMaxDelay,
		},
		Code: cfg.SessionCode,
		Identity: gateway.Identity{
			PlayerID: cfg.PlayerID,
			Name:     cfg.PlayerName,
			Team:     engine.Team(cfg.Team),
			Director: cfg.Director,
		},
		KV:              store,
		PersistInterval: cfg.PersistInterval,
		RecoveryWait:    cfg.RecoveryWait,
		HistoryCap:      cfg.HistoryCap,
		Logger:          log,
		OnMessage: func(m types.ServerMessage) {
			log.Debug("received", zap.String("type", m.Type), zap.Int("version", m.Version))
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error {
		select {
		case <-c.Recovered():
		case <-gctx.Done():
			return nil
		}
		fmt.Println(usage)
		err := repl(gctx, c, os.Stdin, os.Stdout)
		stop()
		return err
	})
	return g.Wait()
}

// repl reads one command per line until EOF, quit or cancellation.
func repl(ctx context.Context, c *client.Client, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			if fields[0] == "quit" {
				return nil
			}
			if err := execute(ctx, c, fields, out); err != nil {
				if errors.Is(err, client.ErrStopped) {
					return nil
				}
				fmt.Fprintln(out, "error:", err)
			}
		}
	}
}

func execute(ctx context.Context, c *client.Client, f []string, out io.Writer) error {
	switch f[0] {
	case "sector":
		b, err := bounds(f[1:])
		if err != nil {
			return err
		}
		return c.ConfirmSector(ctx, b, nil)
	case "zone":
		if len(f) < 2 {
			return errors.New("zone needs a team")
		}
		b, err := bounds(f[2:])
		if err != nil {
			return err
		}
		return c.ConfirmZone(ctx, engine.Team(f[1]), b, nil)
	case "phase":
		if len(f) != 3 {
			return errors.New("phase needs PHASE SUBPHASE")
		}
		return c.RequestPhase(ctx, engine.Stage{Phase: engine.Phase(f[1]), Subphase: engine.Subphase(f[2])})
	case "reset":
		return c.Reset(ctx)
	case "ready":
		if len(f) != 2 {
			return errors.New("ready needs a context")
		}
		return c.Ready(ctx, engine.ReadyContext(f[1]))
	case "create":
		if len(f) != 4 {
			return errors.New("create needs KIND LAT LNG")
		}
		p, err := point(f[2], f[3])
		if err != nil {
			return err
		}
		id, err := c.CreateElement(ctx, f[1], p, nil)
		if err == nil {
			fmt.Fprintln(out, "created", id)
		}
		return err
	case "move":
		if len(f) != 4 {
			return errors.New("move needs ID LAT LNG")
		}
		p, err := point(f[2], f[3])
		if err != nil {
			return err
		}
		return c.MoveElement(ctx, f[1], p)
	case "delete":
		if len(f) != 2 {
			return errors.New("delete needs ID")
		}
		return c.DeleteElement(ctx, f[1])
	case "chat":
		scope := engine.ChatAll
		rest := f[1:]
		if len(rest) > 0 && rest[0] == "team" {
			scope, rest = engine.ChatTeam, rest[1:]
		}
		return c.Chat(ctx, strings.Join(rest, " "), scope)
	case "end":
		return c.EndTurn(ctx)
	case "undo", "redo":
		step := c.Undo
		if f[0] == "redo" {
			step = c.Redo
		}
		ok, err := step(ctx)
		if err == nil && !ok {
			fmt.Fprintln(out, "nothing to", f[0])
		}
		return err
	case "resync":
		return c.Resync(ctx)
	case "claim":
		return c.ClaimDirector(ctx)
	case "release":
		return c.ReleaseDirector(ctx)
	case "state":
		st, version, err := c.Snapshot(ctx)
		if err != nil {
			return err
		}
		b, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "version %d\n%s\n", version, b)
		return nil
	case "stats":
		s, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "version=%d conflicts=%d remaining=%ds connected=%t degraded=%t recovered=%s\n",
			s.Version, s.Conflicts, s.Remaining, s.Connected, s.Degraded, s.RecoveredFrom)
		return nil
	}
	return fmt.Errorf("unknown command %q\n%s", f[0], usage)
}

func bounds(f []string) (engine.Bounds, error) {
	if len(f) != 4 {
		return engine.Bounds{}, errors.New("need MINLAT MINLNG MAXLAT MAXLNG")
	}
	var v [4]float64
	for i, s := range f {
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return engine.Bounds{}, fmt.Errorf("bad coordinate %q", s)
		}
		v[i] = n
	}
	return engine.Bounds{MinLat: v[0], MinLng: v[1], MaxLat: v[2], MaxLng: v[3]}, nil
}

func point(lat, lng string) (engine.Point, error) {
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return engine.Point{}, fmt.Errorf("bad latitude %q", lat)
	}
	ln, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return engine.Point{}, fmt.Errorf("bad longitude %q", lng)
	}
	return engine.Point{Lat: la, Lng: ln}, nil
}
