package hub

import (
	"context"
	"testing"
	"time"

	"github.com/DoyleJ11/battlesync/internal/engine"
	"github.com/DoyleJ11/battlesync/internal/kv"
	"github.com/DoyleJ11/battlesync/internal/session"
	"github.com/DoyleJ11/battlesync/internal/snapshot"
	"github.com/DoyleJ11/battlesync/internal/types"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHub_Create_Get_SamePointer(t *testing.T) {
	ctx := testCtx(t)
	h := NewHub(ctx, session.Options{})

	res, err := h.Create(ctx, "ZED123", engine.Rules{})
	if err != nil || !res.Created {
		t.Fatalf("create: %+v, %v", res, err)
	}
	s2, err := h.Get(ctx, "ZED123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.Session == nil || s2 == nil || res.Session != s2 {
		t.Fatalf("expected same session pointer")
	}

	again, err := h.Create(ctx, "ZED123", engine.Rules{})
	if err != nil || again.Created || again.Session != res.Session {
		t.Fatalf("second create should return the existing session: %+v", again)
	}
}

func TestHub_GetUnknownIsNil(t *testing.T) {
	ctx := testCtx(t)
	h := NewHub(ctx, session.Options{})
	s, err := h.Get(ctx, "NOPE00")
	if err != nil || s != nil {
		t.Fatalf("want nil session, got %v, %v", s, err)
	}
}

func TestHub_EnsureAppliesRulesOnCreation(t *testing.T) {
	ctx := testCtx(t)
	h := NewHub(ctx, session.Options{})

	s, err := h.Ensure(ctx, "ABC123", engine.Rules{Mode: engine.ModeRotation, TurnSeconds: 7200})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	v, ok := s.View(ctx)
	if !ok {
		t.Fatalf("view")
	}
	if v.State.Rules.Mode != engine.ModeRotation || v.State.Rules.TurnSeconds != engine.MaxTurnSeconds {
		t.Fatalf("unexpected rules %+v", v.State.Rules)
	}
}

func TestHub_SessionRemovedWhenEmpty(t *testing.T) {
	ctx := testCtx(t)
	h := NewHub(ctx, session.Options{})
	s, _ := h.Ensure(ctx, "ABC123", engine.Rules{})

	out := make(chan types.ServerMessage, 8)
	s.Inbox() <- session.Join{Player: engine.Player{ID: "A"}, Outbox: out}
	<-out
	s.Inbox() <- session.Leave{PlayerID: "A"}
	<-s.Done()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, err := h.Get(ctx, "ABC123")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session still registered after last leave")
}

func TestHub_RemoveIgnoresReplacedSession(t *testing.T) {
	ctx := testCtx(t)
	h := NewHub(ctx, session.Options{})
	s, _ := h.Ensure(ctx, "ABC123", engine.Rules{})

	stale := session.New(ctx, engine.NewState("ABC123", engine.Rules{}, 0), 0, session.Options{})
	h.Inbox() <- RemoveSession{Code: "ABC123", Session: stale}

	got, _ := h.Get(ctx, "ABC123")
	if got != s {
		t.Fatalf("remove with a stale pointer must not unregister the live session")
	}
}

func TestHub_ListSortedByCode(t *testing.T) {
	ctx := testCtx(t)
	h := NewHub(ctx, session.Options{})
	for _, code := range []string{"CCC333", "AAA111", "BBB222"} {
		if _, err := h.Ensure(ctx, code, engine.Rules{}); err != nil {
			t.Fatalf("ensure %s: %v", code, err)
		}
	}
	list, err := h.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].Code != "AAA111" || list[2].Code != "CCC333" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestHub_RestoresFromCheckpoint(t *testing.T) {
	ctx := testCtx(t)
	store := kv.NewMemory()

	st := engine.NewState("ABC123", engine.Rules{}, 1)
	st.Roster = []engine.Player{{ID: "A", Team: engine.TeamRed, Connected: true}}
	st.Director = "A"
	st.Phase, st.Subphase = engine.PhasePreparation, engine.SubZoneDefinition
	b, err := snapshot.Encode(7, 1, st)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := store.Set(ctx, kv.SessionKey("ABC123"), b); err != nil {
		t.Fatalf("seed: %v", err)
	}

	h := NewHub(ctx, session.Options{Checkpoint: store})
	s, err := h.Ensure(ctx, "ABC123", engine.Rules{})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	v, _ := s.View(ctx)
	if v.Version != 7 || v.State.Stage() != engine.StageZoneDefinition {
		t.Fatalf("checkpoint not restored: version=%d stage=%s", v.Version, v.State.Stage())
	}
	if v.State.Roster[0].Connected || v.State.Director != "" {
		t.Fatalf("restored players must start disconnected without a director: %+v", v.State)
	}
}

func TestHub_ShutdownStopsSessions(t *testing.T) {
	ctx := testCtx(t)
	h := NewHub(ctx, session.Options{})
	s, _ := h.Ensure(ctx, "ABC123", engine.Rules{})

	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("session still running after hub shutdown")
	}
	if _, err := h.Get(ctx, "ABC123"); err == nil {
		t.Fatalf("closed hub should refuse requests")
	}
}
