package client

import (
	"fmt"

	"github.com/DoyleJ11/battlesync/internal/engine"
	"github.com/DoyleJ11/battlesync/internal/types"
)

// wireFor maps a locally applied command to the event name and payload the
// relay decodes it from.
func wireFor(cmd engine.Command) (string, any, error) {
	switch cmd.Type {
	case engine.CmdConfirmSector:
		b := cmd.Sector.Bounds
		return types.EventSectorConfirm, types.SectorPayload{Coordinates: cmd.Sector.Coordinates, Bounds: &b}, nil
	case engine.CmdConfirmZone:
		b := cmd.Zone.Bounds
		return types.EventZoneConfirm, types.ZonePayload{Team: cmd.Zone.Team, Coordinates: cmd.Zone.Coordinates, Bounds: &b}, nil
	case engine.CmdChangePhase:
		return types.EventPhaseChange, types.PhasePayload{Phase: cmd.Stage.Phase, Subphase: cmd.Stage.Subphase, Reset: cmd.Reset}, nil
	case engine.CmdReady:
		return types.EventReady, types.ReadyPayload{Context: cmd.Ready}, nil
	case engine.CmdCreateElement:
		p := cmd.Element.Position
		return types.EventElementCreate, types.ElementPayload{
			ElementID: cmd.ElementID, Kind: cmd.Element.Kind, Position: &p, Attributes: cmd.Element.Attributes,
		}, nil
	case engine.CmdMoveElement:
		p := cmd.Position
		return types.EventElementMove, types.ElementPayload{ElementID: cmd.ElementID, Position: &p}, nil
	case engine.CmdDeleteElement:
		return types.EventElementDelete, types.ElementPayload{ElementID: cmd.ElementID}, nil
	case engine.CmdChangeTurn:
		return types.EventTurnChange, types.TurnPayloadFrom(*cmd.Turn), nil
	case engine.CmdChat:
		return types.EventChat, types.ChatPayload{Message: cmd.Chat.Message, Scope: cmd.Chat.Scope}, nil
	case engine.CmdClaimDirector:
		return types.EventDirectorClaim, nil, nil
	case engine.CmdReleaseDirector:
		return types.EventDirectorRelease, nil, nil
	}
	return "", nil, fmt.Errorf("no wire form for %s", cmd.Type)
}
