// Package controller drives the phase state machine and turn clock on the
// client. It never changes the mirror itself: it decides which commands to
// issue and tracks the countdown, and the relay's confirmations move the phase.
package controller

import (
	"context"

	"github.com/DoyleJ11/battlesync/internal/engine"
	apperrors "github.com/DoyleJ11/battlesync/internal/errors"
	"go.uber.org/zap"
)

var ErrAwaitingReadiness = apperrors.New(apperrors.KindValidation, "awaiting_readiness", "waiting for the relay to report everyone ready")

type Controller struct {
	self string
	log  *zap.Logger

	allReady map[engine.ReadyContext]bool

	turnNumber int
	active     string
	remaining  int
	expired    bool
}

func New(self string, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		self:     self,
		log:      log.Named("controller"),
		allReady: make(map[engine.ReadyContext]bool),
	}
}

func (c *Controller) Init(ctx context.Context) error { return nil }
func (c *Controller) Log() *zap.Logger                { return c.log }
func (c *Controller) Destroy() error                  { return nil }

// Sync adopts the turn clock from an authoritative snapshot.
func (c *Controller) Sync(st engine.State) {
	c.HandleTurnChanged(st.Turn)
	if st.Stage() != engine.StageDeployment {
		delete(c.allReady, engine.ReadyDeployment)
	}
}

// RequestTransition builds the command that asks the relay to move to target.
// ok is false when st is already there.
func (c *Controller) RequestTransition(st engine.State, target engine.Stage, ts int64) (cmd engine.Command, ok bool, err error) {
	if st.Director == "" || st.Director != c.self {
		return engine.Command{}, false, engine.ErrNotDirector
	}
	if target == st.Stage() {
		return engine.Command{}, false, nil
	}
	if !engine.CanTransition(st.Stage(), target) {
		return engine.Command{}, false, engine.ErrIllegalTransition
	}
	if st.Stage() == engine.StageDeployment && target == engine.StageMovement && !c.allReady[engine.ReadyDeployment] {
		return engine.Command{}, false, ErrAwaitingReadiness
	}
	return engine.Command{Type: engine.CmdChangePhase, SenderID: c.self, Timestamp: ts, Stage: target}, true, nil
}

func (c *Controller) RequestReset(st engine.State, ts int64) (engine.Command, error) {
	if st.Director == "" || st.Director != c.self {
		return engine.Command{}, engine.ErrNotDirector
	}
	return engine.Command{Type: engine.CmdChangePhase, SenderID: c.self, Timestamp: ts, Stage: engine.StageSectorDefinition, Reset: true}, nil
}

// HandlePhaseChanged reacts to a relayed phase-change already folded into st.
func (c *Controller) HandlePhaseChanged(st engine.State, reset bool) {
	if reset {
		clear(c.allReady)
	}
	if st.Phase != engine.PhaseCombat {
		c.remaining = 0
		c.expired = false
	}
	c.log.Info("phase changed", zap.String("stage", st.Stage().String()), zap.Bool("reset", reset))
}

// HandleAllReady records the relay's readiness aggregate. When deployment
// readiness arrives and this client directs the session, it returns the
// command that starts combat.
func (c *Controller) HandleAllReady(st engine.State, rc engine.ReadyContext, ts int64) (engine.Command, bool) {
	c.allReady[rc] = true
	if rc != engine.ReadyDeployment || st.Director != c.self || st.Stage() != engine.StageDeployment {
		return engine.Command{}, false
	}
	cmd, ok, err := c.RequestTransition(st, engine.StageMovement, ts)
	if err != nil || !ok {
		c.log.Warn("cannot start combat", zap.Error(err))
		return engine.Command{}, false
	}
	return cmd, true
}

func (c *Controller) AllReady(rc engine.ReadyContext) bool { return c.allReady[rc] }

// HandleTurnChanged resets the countdown to the relayed turn.
func (c *Controller) HandleTurnChanged(t engine.TurnState) {
	c.turnNumber = t.Number
	c.active = t.ActivePlayerID
	c.remaining = t.RemainingSeconds
	c.expired = false
}

// Tick advances the countdown by one second. When the clock runs out on the
// client that owns the turn it returns the turn-change to issue; other clients
// wait for the relay.
func (c *Controller) Tick(st engine.State, ts int64) (engine.Command, bool) {
	if st.Phase != engine.PhaseCombat || c.turnNumber == 0 || c.expired {
		return engine.Command{}, false
	}
	if c.remaining > 0 {
		c.remaining--
	}
	if c.remaining > 0 {
		return engine.Command{}, false
	}
	c.expired = true
	if !c.ownsClock(st) {
		return engine.Command{}, false
	}
	next := engine.NextTurn(st)
	c.log.Debug("turn expired", zap.Int("turn", st.Turn.Number), zap.String("next", next.ActivePlayerID))
	return engine.Command{Type: engine.CmdChangeTurn, SenderID: c.self, Timestamp: ts, Turn: &next}, true
}

// EndTurn hands the turn on before the clock runs out.
func (c *Controller) EndTurn(st engine.State, ts int64) (engine.Command, error) {
	if st.Phase != engine.PhaseCombat {
		return engine.Command{}, engine.ErrWrongPhase
	}
	if !c.ownsClock(st) {
		return engine.Command{}, engine.ErrNotYourTurn
	}
	next := engine.NextTurn(st)
	return engine.Command{Type: engine.CmdChangeTurn, SenderID: c.self, Timestamp: ts, Turn: &next}, nil
}

// ownsClock: in rotation the active player does, falling back to the director
// when nobody is active; in simultaneous mode the director marks rounds.
func (c *Controller) ownsClock(st engine.State) bool {
	if st.Turn.Mode == engine.ModeRotation && st.Turn.ActivePlayerID != "" {
		return st.Turn.ActivePlayerID == c.self
	}
	return st.Director == c.self
}

// CheckAct refuses element changes outside deployment and combat, and while
// another player holds a rotation turn.
func (c *Controller) CheckAct(st engine.State) error {
	if st.Stage() != engine.StageDeployment && st.Phase != engine.PhaseCombat {
		return engine.ErrWrongPhase
	}
	if !engine.MayMutate(st, c.self) {
		return engine.ErrNotYourTurn
	}
	return nil
}

func (c *Controller) Remaining() int { return c.remaining }
