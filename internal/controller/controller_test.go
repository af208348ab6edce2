package controller

import (
	"testing"

	"github.com/DoyleJ11/battlesync/internal/engine"
	"github.com/stretchr/testify/require"
)

func roster() []engine.Player {
	return []engine.Player{
		{ID: "dir", Team: engine.TeamRed, Connected: true, JoinedAt: 1},
		{ID: "b1", Team: engine.TeamBlue, Connected: true, JoinedAt: 2},
		{ID: "r1", Team: engine.TeamRed, Connected: true, JoinedAt: 3},
	}
}

func stateAt(stage engine.Stage, mode engine.TurnMode) engine.State {
	s := engine.NewState("ABC123", engine.Rules{Mode: mode, TurnSeconds: 60}, 1)
	s.Roster = roster()
	s.Director = "dir"
	s.Phase, s.Subphase = stage.Phase, stage.Subphase
	return s
}

func TestRequestTransitionDirectorOnly(t *testing.T) {
	st := stateAt(engine.StageZoneDefinition, engine.ModeSimultaneous)

	_, _, err := New("b1", nil).RequestTransition(st, engine.StageDeployment, 1)
	require.ErrorIs(t, err, engine.ErrNotDirector)

	cmd, ok, err := New("dir", nil).RequestTransition(st, engine.StageDeployment, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, engine.CmdChangePhase, cmd.Type)
	require.Equal(t, engine.StageDeployment, cmd.Stage)
}

func TestRequestTransitionSameStageIsNoop(t *testing.T) {
	st := stateAt(engine.StageZoneDefinition, engine.ModeSimultaneous)
	_, ok, err := New("dir", nil).RequestTransition(st, engine.StageZoneDefinition, 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRequestTransitionRejectsSkippedEdge(t *testing.T) {
	st := stateAt(engine.StageSectorDefinition, engine.ModeSimultaneous)
	_, _, err := New("dir", nil).RequestTransition(st, engine.StageMovement, 1)
	require.ErrorIs(t, err, engine.ErrIllegalTransition)
}

func TestCombatWaitsForRelayedReadiness(t *testing.T) {
	st := stateAt(engine.StageDeployment, engine.ModeRotation)
	c := New("dir", nil)

	_, _, err := c.RequestTransition(st, engine.StageMovement, 1)
	require.ErrorIs(t, err, ErrAwaitingReadiness)

	cmd, ok := c.HandleAllReady(st, engine.ReadyDeployment, 2)
	require.True(t, ok)
	require.Equal(t, engine.StageMovement, cmd.Stage)
	require.EqualValues(t, 2, cmd.Timestamp)
}

func TestAllReadyOnNonDirectorOnlyRecords(t *testing.T) {
	st := stateAt(engine.StageDeployment, engine.ModeRotation)
	c := New("b1", nil)
	_, ok := c.HandleAllReady(st, engine.ReadyDeployment, 2)
	require.False(t, ok)
	require.True(t, c.AllReady(engine.ReadyDeployment))

	c.HandlePhaseChanged(stateAt(engine.StageSectorDefinition, engine.ModeRotation), true)
	require.False(t, c.AllReady(engine.ReadyDeployment))
}

func TestTickExpiresOnlyForClockOwner(t *testing.T) {
	st := stateAt(engine.StageMovement, engine.ModeRotation)
	st.Turn = engine.TurnState{Number: 1, Mode: engine.ModeRotation, ActivePlayerID: "b1", RemainingSeconds: 2}

	owner, other := New("b1", nil), New("r1", nil)
	for _, c := range []*Controller{owner, other} {
		c.HandleTurnChanged(st.Turn)
	}

	_, fired := owner.Tick(st, 10)
	require.False(t, fired)
	require.Equal(t, 1, owner.Remaining())

	cmd, fired := owner.Tick(st, 11)
	require.True(t, fired)
	require.Equal(t, engine.CmdChangeTurn, cmd.Type)
	require.Equal(t, "r1", cmd.Turn.ActivePlayerID)
	require.Equal(t, 1, cmd.Turn.Number)

	// Once expired, further ticks wait for the relayed turn-change.
	_, fired = owner.Tick(st, 12)
	require.False(t, fired)

	other.Tick(st, 10)
	_, fired = other.Tick(st, 11)
	require.False(t, fired)
	require.Zero(t, other.Remaining())
}

func TestSimultaneousRoundBoundaryBelongsToDirector(t *testing.T) {
	st := stateAt(engine.StageMovement, engine.ModeSimultaneous)
	st.Turn = engine.TurnState{Number: 3, Mode: engine.ModeSimultaneous, RemainingSeconds: 1}

	c := New("dir", nil)
	c.HandleTurnChanged(st.Turn)
	cmd, fired := c.Tick(st, 5)
	require.True(t, fired)
	require.Equal(t, 4, cmd.Turn.Number)

	p := New("b1", nil)
	p.HandleTurnChanged(st.Turn)
	_, fired = p.Tick(st, 5)
	require.False(t, fired)
}

func TestTickIdleOutsideCombat(t *testing.T) {
	st := stateAt(engine.StageDeployment, engine.ModeRotation)
	c := New("dir", nil)
	c.HandleTurnChanged(engine.TurnState{Number: 1, RemainingSeconds: 1})
	_, fired := c.Tick(st, 1)
	require.False(t, fired)
}

func TestEndTurn(t *testing.T) {
	st := stateAt(engine.StageMovement, engine.ModeRotation)
	st.Turn = engine.TurnState{Number: 1, Mode: engine.ModeRotation, ActivePlayerID: "b1", RemainingSeconds: 30}

	_, err := New("r1", nil).EndTurn(st, 1)
	require.ErrorIs(t, err, engine.ErrNotYourTurn)

	cmd, err := New("b1", nil).EndTurn(st, 1)
	require.NoError(t, err)
	require.Equal(t, "r1", cmd.Turn.ActivePlayerID)
}

func TestCheckAct(t *testing.T) {
	st := stateAt(engine.StageMovement, engine.ModeRotation)
	st.Turn = engine.TurnState{Number: 1, Mode: engine.ModeRotation, ActivePlayerID: "b1"}
	require.NoError(t, New("b1", nil).CheckAct(st))
	require.ErrorIs(t, New("r1", nil).CheckAct(st), engine.ErrNotYourTurn)

	st = stateAt(engine.StageZoneDefinition, engine.ModeSimultaneous)
	require.ErrorIs(t, New("b1", nil).CheckAct(st), engine.ErrWrongPhase)

	st = stateAt(engine.StageDeployment, engine.ModeSimultaneous)
	require.NoError(t, New("r1", nil).CheckAct(st))
}

func TestRequestReset(t *testing.T) {
	st := stateAt(engine.StageAction, engine.ModeSimultaneous)
	_, err := New("b1", nil).RequestReset(st, 1)
	require.ErrorIs(t, err, engine.ErrNotDirector)

	cmd, err := New("dir", nil).RequestReset(st, 1)
	require.NoError(t, err)
	require.True(t, cmd.Reset)
}
