package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DoyleJ11/battlesync/internal/engine"
	apperrors "github.com/DoyleJ11/battlesync/internal/errors"
	"github.com/DoyleJ11/battlesync/internal/kv"
	"github.com/DoyleJ11/battlesync/internal/snapshot"
	"github.com/stretchr/testify/require"
)

// deployment returns a mirror where "b1" (blue) may place units.
func deployment() engine.State {
	s := engine.NewState("ABC123", engine.Rules{}, 1)
	s.Roster = []engine.Player{
		{ID: "dir", Team: engine.TeamRed, Connected: true},
		{ID: "b1", Team: engine.TeamBlue, Connected: true},
		{ID: "b2", Team: engine.TeamBlue, Connected: true},
	}
	s.Director = "dir"
	s.Phase, s.Subphase = engine.PhasePreparation, engine.SubDeployment
	s.Sector = &engine.Sector{Bounds: engine.Bounds{MaxLat: 10, MaxLng: 10}}
	s.Zones = engine.Zones{
		Red:  &engine.Zone{Team: engine.TeamRed, Bounds: engine.Bounds{MaxLat: 5, MaxLng: 10}},
		Blue: &engine.Zone{Team: engine.TeamBlue, Bounds: engine.Bounds{MinLat: 5, MaxLat: 10, MaxLng: 10}},
	}
	return s
}

func newStore(t *testing.T, self string, st engine.State, store kv.Store) *Store {
	t.Helper()
	s := New(Options{Self: self, Code: "ABC123", KV: store, HistoryCap: 3})
	s.ApplySnapshot(st, 1)
	return s
}

func create(sender, id string, ts int64, p engine.Point) engine.Command {
	return engine.Command{
		Type: engine.CmdCreateElement, SenderID: sender, Timestamp: ts, ElementID: id,
		Element: &engine.Element{ID: id, Kind: "infantry", Position: p},
	}
}

func move(sender, id string, ts int64, p engine.Point) engine.Command {
	return engine.Command{Type: engine.CmdMoveElement, SenderID: sender, Timestamp: ts, ElementID: id, Position: p}
}

func TestApplyLocalIsOptimistic(t *testing.T) {
	s := newStore(t, "b1", deployment(), nil)

	events, err := s.ApplyLocal(create("b1", "u1", 10, engine.Point{Lat: 7, Lng: 5}))
	require.NoError(t, err)
	require.Len(t, events, 1)

	el, ok := s.State().Elements["u1"]
	require.True(t, ok)
	require.Equal(t, "b1", el.OwnerID)
	require.True(t, s.CanUndo())
}

func TestApplyLocalRejectsInvalidMutation(t *testing.T) {
	s := newStore(t, "b1", deployment(), nil)

	_, err := s.ApplyLocal(create("b1", "u1", 10, engine.Point{Lat: 1, Lng: 1}))
	require.ErrorIs(t, err, engine.ErrOutsideZone)
	require.Empty(t, s.State().Elements)
	require.False(t, s.CanUndo())
}

func TestApplyLocalLeavesPhaseChangeToRelay(t *testing.T) {
	st := engine.NewState("ABC123", engine.Rules{}, 1)
	st.Roster = []engine.Player{{ID: "dir", Team: engine.TeamRed, Connected: true}}
	st.Director = "dir"
	s := newStore(t, "dir", st, nil)

	sector := &engine.Sector{Bounds: engine.Bounds{MaxLat: 10, MaxLng: 10}}
	events, err := s.ApplyLocal(engine.Command{Type: engine.CmdConfirmSector, SenderID: "dir", Timestamp: 5, Sector: sector})
	require.NoError(t, err)
	require.True(t, engine.ContainsEvent(events, engine.EvtPhaseChanged))

	got := s.State()
	require.NotNil(t, got.Sector)
	require.Equal(t, engine.StageSectorDefinition, got.Stage(), "phase moves only on the relayed phase-change")

	stage := engine.StageZoneDefinition
	out, err := s.ApplyRemote(engine.Event{Type: engine.EvtPhaseChanged, Stage: &stage, Timestamp: 5}, 2)
	require.NoError(t, err)
	require.Equal(t, Applied, out)
	require.Equal(t, engine.StageZoneDefinition, s.State().Stage())
}

func TestApplyRemoteDiscardsEcho(t *testing.T) {
	s := newStore(t, "b1", deployment(), nil)
	el := &engine.Element{ID: "u9", Team: engine.TeamBlue, OwnerID: "b1"}
	out, err := s.ApplyRemote(engine.Event{Type: engine.EvtElementCreated, OriginID: "b1", ElementID: "u9", Element: el, Timestamp: 3}, 2)
	require.NoError(t, err)
	require.Equal(t, Echo, out)
	require.NotContains(t, s.State().Elements, "u9")
}

func TestApplyRemoteCreateIsIdempotent(t *testing.T) {
	s := newStore(t, "dir", deployment(), nil)
	ev := engine.Event{
		Type: engine.EvtElementCreated, OriginID: "b1", Timestamp: 10, ElementID: "u1",
		Element: &engine.Element{ID: "u1", Kind: "infantry", OwnerID: "b1", Team: engine.TeamBlue},
	}
	for i := 0; i < 2; i++ {
		out, err := s.ApplyRemote(ev, 2+i)
		require.NoError(t, err)
		require.Equal(t, Applied, out)
	}
	require.Len(t, s.State().Elements, 1)
	require.Equal(t, 3, s.Version())
}

func TestApplyRemoteLastWriterWins(t *testing.T) {
	p1, p2 := engine.Point{Lat: 6, Lng: 1}, engine.Point{Lat: 7, Lng: 2}
	t1 := engine.Event{Type: engine.EvtElementMoved, OriginID: "b1", Timestamp: 100, ElementID: "u5", Position: &p1}
	t2 := engine.Event{Type: engine.EvtElementMoved, OriginID: "b2", Timestamp: 200, ElementID: "u5", Position: &p2}

	for name, order := range map[string][]engine.Event{"t1 first": {t1, t2}, "t2 first": {t2, t1}} {
		t.Run(name, func(t *testing.T) {
			st := deployment()
			st.Elements["u5"] = engine.Element{ID: "u5", Team: engine.TeamBlue, OwnerID: "b1"}
			s := newStore(t, "dir", st, nil)
			for _, ev := range order {
				_, err := s.ApplyRemote(ev, 0)
				require.NoError(t, err)
			}
			require.Equal(t, p2, s.State().Elements["u5"].Position)
			if name == "t2 first" {
				require.Equal(t, 1, s.Conflicts())
			} else {
				require.Zero(t, s.Conflicts())
			}
		})
	}
}

func TestApplyRemoteRejectsUnfittingEvent(t *testing.T) {
	s := newStore(t, "dir", deployment(), nil)
	p := engine.Point{Lat: 6, Lng: 6}
	out, err := s.ApplyRemote(engine.Event{Type: engine.EvtElementMoved, OriginID: "b1", Timestamp: 3, ElementID: "ghost", Position: &p}, 2)
	require.Equal(t, Rejected, out)
	require.ErrorIs(t, err, engine.ErrUnknownElement)
}

func TestApplyRemoteHonoursRotation(t *testing.T) {
	st := deployment()
	st.Phase, st.Subphase = engine.PhaseCombat, engine.SubMovement
	st.Rules.Mode = engine.ModeRotation
	st.Turn = engine.TurnState{Number: 1, Mode: engine.ModeRotation, ActivePlayerID: "b1", RemainingSeconds: 60}
	st.Elements["u5"] = engine.Element{ID: "u5", Team: engine.TeamBlue, OwnerID: "b1", Position: engine.Point{Lat: 6, Lng: 1}}
	s := newStore(t, "dir", st, nil)

	p := engine.Point{Lat: 9, Lng: 9}
	out, err := s.ApplyRemote(engine.Event{Type: engine.EvtElementMoved, OriginID: "b2", Timestamp: 10, ElementID: "u5", Position: &p}, 2)
	require.Equal(t, Rejected, out)
	require.ErrorIs(t, err, engine.ErrNotYourTurn)
	require.Equal(t, engine.Point{Lat: 6, Lng: 1}, s.State().Elements["u5"].Position)

	out, err = s.ApplyRemote(engine.Event{Type: engine.EvtElementMoved, OriginID: "b1", Timestamp: 11, ElementID: "u5", Position: &p}, 3)
	require.NoError(t, err)
	require.Equal(t, Applied, out)
	require.Equal(t, p, s.State().Elements["u5"].Position)
}

func TestApplyRemoteKeepsElementOwnership(t *testing.T) {
	st := deployment()
	st.Roster = append(st.Roster, engine.Player{ID: "r9", Team: engine.TeamRed, Connected: true})
	st.Elements["u1"] = engine.Element{ID: "u1", Kind: "infantry", Team: engine.TeamBlue, OwnerID: "b1", Position: engine.Point{Lat: 7, Lng: 5}}

	cases := []struct {
		name string
		ev   engine.Event
	}{
		{"create takes over", engine.Event{
			Type: engine.EvtElementCreated, OriginID: "r9", Timestamp: 10, ElementID: "u1",
			Element: &engine.Element{ID: "u1", Kind: "infantry", Team: engine.TeamRed, OwnerID: "r9"},
		}},
		{"create rewrites owner", engine.Event{
			Type: engine.EvtElementCreated, OriginID: "b2", Timestamp: 10, ElementID: "u1",
			Element: &engine.Element{ID: "u1", Kind: "infantry", Team: engine.TeamBlue, OwnerID: "b2"},
		}},
		{"delete by other team", engine.Event{Type: engine.EvtElementDeleted, OriginID: "r9", Timestamp: 10, ElementID: "u1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t, "dir", st, nil)
			out, err := s.ApplyRemote(tc.ev, 2)
			require.Equal(t, Rejected, out)
			require.ErrorIs(t, err, engine.ErrNotOwner)

			el := s.State().Elements["u1"]
			require.Equal(t, "b1", el.OwnerID)
			require.Equal(t, engine.TeamBlue, el.Team)
		})
	}
}

func TestUndoRedo(t *testing.T) {
	s := newStore(t, "b1", deployment(), nil)
	_, err := s.ApplyLocal(create("b1", "u1", 10, engine.Point{Lat: 6, Lng: 1}))
	require.NoError(t, err)
	_, err = s.ApplyLocal(move("b1", "u1", 11, engine.Point{Lat: 8, Lng: 8}))
	require.NoError(t, err)

	require.True(t, s.Undo())
	require.Equal(t, engine.Point{Lat: 6, Lng: 1}, s.State().Elements["u1"].Position)
	require.True(t, s.Undo())
	require.Empty(t, s.State().Elements)
	require.False(t, s.Undo())

	require.True(t, s.Redo())
	require.True(t, s.Redo())
	require.Equal(t, engine.Point{Lat: 8, Lng: 8}, s.State().Elements["u1"].Position)
	require.False(t, s.Redo())

	// A new mutation after undo drops the redo branch.
	require.True(t, s.Undo())
	_, err = s.ApplyLocal(move("b1", "u1", 12, engine.Point{Lat: 9, Lng: 9}))
	require.NoError(t, err)
	require.False(t, s.CanRedo())
}

func TestHistoryIsBoundedAndUnaliased(t *testing.T) {
	s := newStore(t, "b1", deployment(), nil)
	_, err := s.ApplyLocal(create("b1", "u1", 10, engine.Point{Lat: 6, Lng: 1}))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.ApplyLocal(move("b1", "u1", int64(11+i), engine.Point{Lat: 6, Lng: float64(i)}))
		require.NoError(t, err)
	}
	h := s.History()
	require.Len(t, h, 4) // cap 3 plus the current entry
	require.Equal(t, string(engine.CmdMoveElement), h[0].Kind)

	h[len(h)-1].Snapshot.Elements["u1"] = engine.Element{ID: "tampered"}
	require.Equal(t, "u1", s.State().Elements["u1"].ID)
}

func TestPersistAndRecoverLocal(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	s := newStore(t, "b1", deployment(), mem)
	_, err := s.ApplyLocal(create("b1", "u1", 10, engine.Point{Lat: 6, Lng: 1}))
	require.NoError(t, err)
	require.NoError(t, s.Persist(ctx))

	fresh := New(Options{Self: "b1", Code: "ABC123", KV: mem})
	src, err := fresh.Recover(ctx, nil, 0)
	require.NoError(t, err)
	require.Equal(t, SourceLocal, src)
	require.Contains(t, fresh.State().Elements, "u1")
	require.Equal(t, 1, fresh.Version())
}

func TestRecoverPrefersNetwork(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	b, err := snapshot.Encode(3, 1, deployment())
	require.NoError(t, err)
	require.NoError(t, mem.Set(ctx, SlotKey("ABC123"), b))

	live := deployment()
	live.Phase, live.Subphase = engine.PhaseCombat, engine.SubMovement
	s := New(Options{Self: "b1", Code: "ABC123", KV: mem})
	src, err := s.Recover(ctx, &live, 9)
	require.NoError(t, err)
	require.Equal(t, SourceNetwork, src)
	require.Equal(t, engine.StageMovement, s.State().Stage())
	require.Equal(t, 9, s.Version())
}

func TestRecoverEmpty(t *testing.T) {
	s := New(Options{Self: "b1", Code: "ABC123", KV: kv.NewMemory()})
	src, err := s.Recover(context.Background(), nil, 0)
	require.NoError(t, err)
	require.Equal(t, SourceEmpty, src)
	require.Equal(t, engine.StageSectorDefinition, s.State().Stage())
}

type failingKV struct{ kv.Store }

func (failingKV) Set(context.Context, string, []byte) error { return errors.New("disk full") }
func (failingKV) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk gone")
}

func TestPersistFailureDegradesToMemory(t *testing.T) {
	s := newStore(t, "b1", deployment(), failingKV{})
	err := s.Persist(context.Background())
	require.Equal(t, apperrors.KindPersistence, apperrors.KindOf(err))
	require.True(t, s.Degraded())

	// Further writes are skipped and gameplay continues.
	require.NoError(t, s.Persist(context.Background()))
	_, err = s.ApplyLocal(create("b1", "u1", 10, engine.Point{Lat: 6, Lng: 1}))
	require.NoError(t, err)
}

func TestRecoverReadFailureFallsBackToEmpty(t *testing.T) {
	s := New(Options{Self: "b1", Code: "ABC123", KV: failingKV{}})
	src, err := s.Recover(context.Background(), nil, 0)
	require.Equal(t, SourceEmpty, src)
	require.Equal(t, apperrors.KindPersistence, apperrors.KindOf(err))
	require.True(t, s.Degraded())
}
