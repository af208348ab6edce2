package types

import (
	"github.com/DoyleJ11/battlesync/internal/engine"
)

type JoinPayload struct {
	PlayerID    string          `json:"player_id"`
	Name        string          `json:"name"`
	Team        engine.Team     `json:"team,omitempty"`
	Director    bool            `json:"director,omitempty"`
	Mode        engine.TurnMode `json:"mode,omitempty"`
	TurnSeconds int             `json:"turn_seconds,omitempty"`
}

func (p JoinPayload) Validate() error {
	if p.PlayerID == "" {
		return ErrMissingPlayerID
	}
	if p.Team != engine.TeamNone && !p.Team.Playable() {
		return engine.ErrInvalidTeam
	}
	return nil
}

type SectorPayload struct {
	Coordinates []engine.Point `json:"coordinates,omitempty"`
	Bounds      *engine.Bounds `json:"bounds"`
}

func (p SectorPayload) Validate() error {
	if p.Bounds == nil || !p.Bounds.Valid() {
		return engine.ErrInvalidBounds
	}
	return nil
}

func (p SectorPayload) Sector() *engine.Sector {
	return &engine.Sector{Coordinates: p.Coordinates, Bounds: *p.Bounds}
}

type ZonePayload struct {
	Team        engine.Team    `json:"team"`
	Coordinates []engine.Point `json:"coordinates,omitempty"`
	Bounds      *engine.Bounds `json:"bounds"`
}

func (p ZonePayload) Validate() error {
	if !p.Team.Playable() {
		return engine.ErrInvalidTeam
	}
	if p.Bounds == nil || !p.Bounds.Valid() {
		return engine.ErrInvalidBounds
	}
	return nil
}

func (p ZonePayload) Zone() *engine.Zone {
	return &engine.Zone{Team: p.Team, Coordinates: p.Coordinates, Bounds: *p.Bounds}
}

type PhasePayload struct {
	Phase    engine.Phase    `json:"phase"`
	Subphase engine.Subphase `json:"subphase"`
	Reset    bool            `json:"reset,omitempty"`
}

func (p PhasePayload) Validate() error {
	if p.Reset {
		return nil
	}
	if !engine.ValidStage(p.Stage()) {
		return engine.ErrIllegalTransition
	}
	return nil
}

func (p PhasePayload) Stage() engine.Stage {
	return engine.Stage{Phase: p.Phase, Subphase: p.Subphase}
}

type ReadyPayload struct {
	Context engine.ReadyContext `json:"context"`
}

func (p ReadyPayload) Validate() error {
	if p.Context != engine.ReadyLobby && p.Context != engine.ReadyDeployment {
		return engine.ErrMissingField
	}
	return nil
}

// ElementPayload carries element-create, element-move and element-delete.
// Create needs kind and position, move needs position, delete only the id.
type ElementPayload struct {
	ElementID  string            `json:"element_id"`
	Kind       string            `json:"kind,omitempty"`
	Position   *engine.Point     `json:"position,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (p ElementPayload) Validate() error {
	if p.ElementID == "" {
		return engine.ErrMissingField
	}
	return nil
}

// ValidateFor applies the per-operation field requirements.
func (p ElementPayload) ValidateFor(event string) error {
	if err := p.Validate(); err != nil {
		return err
	}
	switch event {
	case EventElementCreate:
		if p.Kind == "" || p.Position == nil {
			return engine.ErrMissingField
		}
	case EventElementMove:
		if p.Position == nil {
			return engine.ErrMissingField
		}
	}
	return nil
}

func (p ElementPayload) Element() *engine.Element {
	el := &engine.Element{ID: p.ElementID, Kind: p.Kind, Attributes: p.Attributes}
	if p.Position != nil {
		el.Position = *p.Position
	}
	return el
}

type TurnPayload struct {
	TurnNumber       int             `json:"turn_number"`
	Mode             engine.TurnMode `json:"mode,omitempty"`
	ActivePlayerID   string          `json:"active_player_id,omitempty"`
	RemainingSeconds int             `json:"remaining_seconds"`
}

func (p TurnPayload) Validate() error {
	if p.TurnNumber < 0 || p.RemainingSeconds < 0 {
		return engine.ErrMissingField
	}
	return nil
}

func (p TurnPayload) Turn() *engine.TurnState {
	return &engine.TurnState{
		Number:           p.TurnNumber,
		Mode:             p.Mode,
		ActivePlayerID:   p.ActivePlayerID,
		RemainingSeconds: p.RemainingSeconds,
	}
}

func TurnPayloadFrom(t engine.TurnState) TurnPayload {
	return TurnPayload{TurnNumber: t.Number, Mode: t.Mode, ActivePlayerID: t.ActivePlayerID, RemainingSeconds: t.RemainingSeconds}
}

type ChatPayload struct {
	Message string           `json:"message"`
	Scope   engine.ChatScope `json:"scope,omitempty"`
}

func (p ChatPayload) Validate() error {
	if p.Message == "" {
		return engine.ErrMissingField
	}
	return nil
}
