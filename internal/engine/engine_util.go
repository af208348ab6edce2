package engine

import "maps"

const (
	DefaultTurnSeconds = 300
	MinTurnSeconds     = 30
	MaxTurnSeconds     = 3600
)

// Entity keys used for last-writer-wins ordering.
const (
	KeySector = "sector"
	KeyTurn   = "turn"
)

func ZoneKey(team Team) string   { return "zone:" + string(team) }
func ElementKey(id string) string { return "element:" + id }

func NewEmptyState(code string) State {
	return NewState(code, Rules{}, 0)
}

// NewState returns a session in preparation.sector_definition with no roster.
func NewState(code string, rules Rules, createdAt int64) State {
	if rules.Mode != ModeRotation {
		rules.Mode = ModeSimultaneous
	}
	rules.TurnSeconds = NormalizeTurnSeconds(rules.TurnSeconds)
	return State{
		Code:      code,
		Roster:    []Player{},
		Phase:     PhasePreparation,
		Subphase:  SubSectorDefinition,
		Elements:  map[string]Element{},
		Turn:      TurnState{Mode: rules.Mode, RemainingSeconds: rules.TurnSeconds},
		Rules:     rules,
		Clocks:    map[string]int64{},
		CreatedAt: createdAt,
	}
}

// NormalizeTurnSeconds maps unset durations to the default and clamps the
// rest into [MinTurnSeconds, MaxTurnSeconds]. Anything below the minimum falls
// back to the default rather than the minimum.
func NormalizeTurnSeconds(sec int) int {
	switch {
	case sec < MinTurnSeconds:
		return DefaultTurnSeconds
	case sec > MaxTurnSeconds:
		return MaxTurnSeconds
	default:
		return sec
	}
}

// Clone returns a deep copy so that snapshots handed to other goroutines never
// alias the owner's maps.
func (s State) Clone() State {
	c := s
	c.Roster = append([]Player(nil), s.Roster...)
	if c.Roster == nil {
		c.Roster = []Player{}
	}
	if s.Sector != nil {
		sector := cloneSector(*s.Sector)
		c.Sector = &sector
	}
	if s.Zones.Red != nil {
		z := cloneZone(*s.Zones.Red)
		c.Zones.Red = &z
	}
	if s.Zones.Blue != nil {
		z := cloneZone(*s.Zones.Blue)
		c.Zones.Blue = &z
	}
	c.Elements = make(map[string]Element, len(s.Elements))
	for id, el := range s.Elements {
		c.Elements[id] = cloneElement(el)
	}
	c.Clocks = maps.Clone(s.Clocks)
	if c.Clocks == nil {
		c.Clocks = map[string]int64{}
	}
	return c
}

func cloneSector(s Sector) Sector {
	s.Coordinates = append([]Point(nil), s.Coordinates...)
	return s
}

func cloneZone(z Zone) Zone {
	z.Coordinates = append([]Point(nil), z.Coordinates...)
	return z
}

func cloneElement(el Element) Element {
	el.Attributes = maps.Clone(el.Attributes)
	return el
}

func FindPlayer(s State, id string) (Player, bool) {
	if id == "" {
		return Player{}, false
	}
	for _, p := range s.Roster {
		if p.ID == id {
			return p, true
		}
	}
	return Player{}, false
}

func TeamOf(s State, id string) Team {
	p, _ := FindPlayer(s, id)
	return p.Team
}

// IsStale reports whether an update stamped ts for key loses to one already applied.
func IsStale(s State, key string, ts int64) bool {
	last, ok := s.Clocks[key]
	return ok && ts < last
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}
