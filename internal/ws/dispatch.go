package ws

import (
	"github.com/DoyleJ11/battlesync/internal/engine"
	"github.com/DoyleJ11/battlesync/internal/types"
)

// decoder turns a client message into an engine command. SenderID and
// Timestamp are filled in by the caller.
type decoder func(types.ClientMessage) (engine.Command, error)

var decoders = map[string]decoder{
	types.EventSectorConfirm: func(m types.ClientMessage) (engine.Command, error) {
		p, err := types.DecodePayload[types.SectorPayload](m)
		if err != nil {
			return engine.Command{}, err
		}
		return engine.Command{Type: engine.CmdConfirmSector, Sector: p.Sector()}, nil
	},
	types.EventZoneConfirm: func(m types.ClientMessage) (engine.Command, error) {
		p, err := types.DecodePayload[types.ZonePayload](m)
		if err != nil {
			return engine.Command{}, err
		}
		return engine.Command{Type: engine.CmdConfirmZone, Zone: p.Zone()}, nil
	},
	types.EventPhaseChange: func(m types.ClientMessage) (engine.Command, error) {
		p, err := types.DecodePayload[types.PhasePayload](m)
		if err != nil {
			return engine.Command{}, err
		}
		return engine.Command{Type: engine.CmdChangePhase, Stage: p.Stage(), Reset: p.Reset}, nil
	},
	types.EventReady: func(m types.ClientMessage) (engine.Command, error) {
		p, err := types.DecodePayload[types.ReadyPayload](m)
		if err != nil {
			return engine.Command{}, err
		}
		return engine.Command{Type: engine.CmdReady, Ready: p.Context}, nil
	},
	types.EventElementCreate: elementDecoder(engine.CmdCreateElement),
	types.EventElementMove:   elementDecoder(engine.CmdMoveElement),
	types.EventElementDelete: elementDecoder(engine.CmdDeleteElement),
	types.EventTurnChange: func(m types.ClientMessage) (engine.Command, error) {
		p, err := types.DecodePayload[types.TurnPayload](m)
		if err != nil {
			return engine.Command{}, err
		}
		return engine.Command{Type: engine.CmdChangeTurn, Turn: p.Turn()}, nil
	},
	types.EventChat: func(m types.ClientMessage) (engine.Command, error) {
		p, err := types.DecodePayload[types.ChatPayload](m)
		if err != nil {
			return engine.Command{}, err
		}
		return engine.Command{Type: engine.CmdChat, Chat: &engine.Chat{Message: p.Message, Scope: p.Scope}}, nil
	},
	types.EventDirectorClaim: func(types.ClientMessage) (engine.Command, error) {
		return engine.Command{Type: engine.CmdClaimDirector}, nil
	},
	types.EventDirectorRelease: func(types.ClientMessage) (engine.Command, error) {
		return engine.Command{Type: engine.CmdReleaseDirector}, nil
	},
}

func elementDecoder(typ engine.CommandType) decoder {
	return func(m types.ClientMessage) (engine.Command, error) {
		p, err := types.DecodePayload[types.ElementPayload](m)
		if err != nil {
			return engine.Command{}, err
		}
		if err := p.ValidateFor(m.Type); err != nil {
			return engine.Command{}, err
		}
		cmd := engine.Command{Type: typ, ElementID: p.ElementID}
		switch typ {
		case engine.CmdCreateElement:
			cmd.Element = p.Element()
		case engine.CmdMoveElement:
			cmd.Position = *p.Position
		}
		return cmd, nil
	}
}

// toCommand decodes m and stamps it with the connection's identity.
func toCommand(m types.ClientMessage, playerID string, now int64) (engine.Command, error) {
	dec, ok := decoders[m.Type]
	if !ok {
		return engine.Command{}, types.ErrUnknownEvent
	}
	cmd, err := dec(m)
	if err != nil {
		return engine.Command{}, err
	}
	cmd.SenderID = playerID
	cmd.Timestamp = m.Timestamp
	if cmd.Timestamp <= 0 {
		cmd.Timestamp = now
	}
	return cmd, nil
}
