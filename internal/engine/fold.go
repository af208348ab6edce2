package engine

// Fold applies a single accepted event to s. The relay folds the events Apply
// produced; clients fold events received from the relay. Per-entity updates are
// ordered by timestamp: an event older than the last accepted one for the same
// entity is rejected with ErrStaleUpdate, equal timestamps apply.
func Fold(s State, ev Event) (State, error) {
	if key := ev.EntityKey(); key != "" && IsStale(s, key, ev.Timestamp) {
		return s, ErrStaleUpdate
	}

	next := s.Clone()
	switch ev.Type {
	case EvtPlayerJoined, EvtPlayerStatus:
		if ev.Player == nil {
			return s, ErrMissingField
		}
		upsertPlayer(&next, *ev.Player)

	case EvtPlayerLeft:
		removePlayer(&next, ev.PlayerID)

	case EvtSectorConfirmed:
		if ev.Sector == nil {
			return s, ErrMissingField
		}
		sector := cloneSector(*ev.Sector)
		next.Sector = &sector

	case EvtZoneConfirmed:
		if ev.Zone == nil {
			return s, ErrMissingField
		}
		zone := cloneZone(*ev.Zone)
		switch zone.Team {
		case TeamRed:
			next.Zones.Red = &zone
		case TeamBlue:
			next.Zones.Blue = &zone
		default:
			return s, ErrInvalidTeam
		}

	case EvtPhaseChanged:
		if ev.Stage == nil {
			return s, ErrMissingField
		}
		if ev.Reset {
			resetPreparation(&next)
			break
		}
		if *ev.Stage == s.Stage() {
			return s, nil
		}
		if !CanTransition(s.Stage(), *ev.Stage) {
			return s, ErrIllegalTransition
		}
		next.Phase = ev.Stage.Phase
		next.Subphase = ev.Stage.Subphase

	case EvtReady:
		for i := range next.Roster {
			if next.Roster[i].ID != ev.PlayerID {
				continue
			}
			switch ev.Ready {
			case ReadyLobby:
				next.Roster[i].Ready.Lobby = true
			case ReadyDeployment:
				next.Roster[i].Ready.Deployment = true
			}
		}

	case EvtElementCreated:
		if ev.Element == nil {
			return s, ErrMissingField
		}
		next.Elements[ev.ElementID] = cloneElement(*ev.Element)

	case EvtElementMoved:
		el, ok := next.Elements[ev.ElementID]
		if !ok {
			return s, ErrUnknownElement
		}
		if ev.Position == nil {
			return s, ErrMissingField
		}
		el.Position = *ev.Position
		next.Elements[ev.ElementID] = el

	case EvtElementDeleted:
		delete(next.Elements, ev.ElementID)

	case EvtTurnChanged:
		if ev.Turn == nil {
			return s, ErrMissingField
		}
		next.Turn = *ev.Turn

	case EvtDirectorChanged:
		next.Director = ev.Director

	case EvtAllReady, EvtChat:
		return s, nil

	default:
		return s, ErrUnsupported
	}

	if key := ev.EntityKey(); key != "" && ev.Timestamp > next.Clocks[key] {
		next.Clocks[key] = ev.Timestamp
	}
	return next, nil
}

// EntityKey names the entity an event writes, or "" for events that are not
// subject to last-writer-wins ordering.
func (ev Event) EntityKey() string {
	switch ev.Type {
	case EvtSectorConfirmed:
		return KeySector
	case EvtZoneConfirmed:
		if ev.Zone != nil {
			return ZoneKey(ev.Zone.Team)
		}
	case EvtElementCreated, EvtElementMoved, EvtElementDeleted:
		return ElementKey(ev.ElementID)
	case EvtTurnChanged:
		return KeyTurn
	}
	return ""
}

func upsertPlayer(s *State, p Player) {
	for i := range s.Roster {
		if s.Roster[i].ID != p.ID {
			continue
		}
		cur := &s.Roster[i]
		cur.Connected = p.Connected
		if p.Name != "" {
			cur.Name = p.Name
		}
		if cur.Team == TeamNone {
			cur.Team = p.Team
		}
		return
	}
	s.Roster = append(s.Roster, p)
}

func removePlayer(s *State, id string) {
	out := s.Roster[:0]
	for _, p := range s.Roster {
		if p.ID != id {
			out = append(out, p)
		}
	}
	s.Roster = out
	if s.Director == id {
		s.Director = ""
	}
}

func resetPreparation(s *State) {
	s.Phase = PhasePreparation
	s.Subphase = SubSectorDefinition
	s.Sector = nil
	s.Zones = Zones{}
	s.Elements = map[string]Element{}
	s.Clocks = map[string]int64{}
	s.Turn = TurnState{Mode: s.Rules.Mode, RemainingSeconds: s.Rules.TurnSeconds}
	for i := range s.Roster {
		s.Roster[i].Ready = ReadyFlags{}
	}
}
