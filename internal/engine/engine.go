package engine

import (
	apperrors "github.com/DoyleJ11/battlesync/internal/errors"
)

var (
	ErrNotDirector       = apperrors.New(apperrors.KindAuthorization, "not_director", "only the director may do this")
	ErrDirectorTaken     = apperrors.New(apperrors.KindAuthorization, "director_taken", "a director is already assigned")
	ErrNotOwner          = apperrors.New(apperrors.KindAuthorization, "not_owner", "element belongs to another team")
	ErrNotYourTeam       = apperrors.New(apperrors.KindAuthorization, "not_your_team", "zone belongs to another team")
	ErrNotYourTurn       = apperrors.New(apperrors.KindAuthorization, "not_your_turn", "another player holds the turn")
	ErrUnknownPlayer     = apperrors.New(apperrors.KindAuthorization, "unknown_player", "sender is not in the roster")
	ErrIllegalTransition = apperrors.New(apperrors.KindValidation, "illegal_transition", "phase transition not allowed")
	ErrWrongPhase        = apperrors.New(apperrors.KindValidation, "wrong_phase", "operation not allowed in the current phase")
	ErrZoneOrder         = apperrors.New(apperrors.KindValidation, "zone_order", "red zone must be confirmed before blue")
	ErrZonesIncomplete   = apperrors.New(apperrors.KindValidation, "zones_incomplete", "both deployment zones must be confirmed")
	ErrNotAllReady       = apperrors.New(apperrors.KindValidation, "not_all_ready", "every player must be ready for deployment")
	ErrInvalidBounds     = apperrors.New(apperrors.KindValidation, "invalid_bounds", "bounds are missing or empty")
	ErrInvalidTeam       = apperrors.New(apperrors.KindValidation, "invalid_team", "team must be red or blue")
	ErrOutsideZone       = apperrors.New(apperrors.KindValidation, "outside_zone", "position is outside the deployment zone")
	ErrUnknownElement    = apperrors.New(apperrors.KindValidation, "unknown_element", "element does not exist")
	ErrMissingField      = apperrors.New(apperrors.KindValidation, "missing_field", "required field is missing")
	ErrStaleTurn         = apperrors.New(apperrors.KindValidation, "stale_turn", "turn number went backwards")
	ErrInvalidTurn       = apperrors.New(apperrors.KindValidation, "invalid_turn", "turn does not follow the rotation order")
	ErrUnsupported       = apperrors.New(apperrors.KindValidation, "unsupported_command", "unsupported command")
	ErrStaleUpdate       = apperrors.New(apperrors.KindConflict, "stale_update", "a newer update for this entity was already applied")
)

type Team string

const (
	TeamNone Team = ""
	TeamBlue Team = "blue"
	TeamRed  Team = "red"
)

// Playable reports whether the team can own zones and elements.
func (t Team) Playable() bool { return t == TeamBlue || t == TeamRed }

type Phase string

const (
	PhasePreparation  Phase = "preparation"
	PhaseCombat       Phase = "combat"
	PhaseFinalization Phase = "finalization"
)

type Subphase string

const (
	SubSectorDefinition Subphase = "sector_definition"
	SubZoneDefinition   Subphase = "zone_definition"
	SubDeployment       Subphase = "deployment"
	SubMovement         Subphase = "movement"
	SubAction           Subphase = "action"
	SubSummary          Subphase = "summary"
)

// Stage is a (phase, subphase) pair, the unit the state machine moves between.
type Stage struct {
	Phase    Phase    `json:"phase"`
	Subphase Subphase `json:"subphase"`
}

func (s Stage) String() string { return string(s.Phase) + "." + string(s.Subphase) }

var (
	StageSectorDefinition = Stage{PhasePreparation, SubSectorDefinition}
	StageZoneDefinition   = Stage{PhasePreparation, SubZoneDefinition}
	StageDeployment       = Stage{PhasePreparation, SubDeployment}
	StageMovement         = Stage{PhaseCombat, SubMovement}
	StageAction           = Stage{PhaseCombat, SubAction}
	StageSummary          = Stage{PhaseFinalization, SubSummary}
)

type ReadyContext string

const (
	ReadyLobby      ReadyContext = "lobby"
	ReadyDeployment ReadyContext = "deployment"
)

type TurnMode string

const (
	ModeSimultaneous TurnMode = "simultaneous"
	ModeRotation     TurnMode = "rotation"
)

type ChatScope string

const (
	ChatAll  ChatScope = "all"
	ChatTeam ChatScope = "team"
)

type ReadyFlags struct {
	Lobby      bool `json:"lobby"`
	Deployment bool `json:"deployment"`
}

type Player struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Team      Team       `json:"team,omitempty"`
	Connected bool       `json:"connected"`
	Ready     ReadyFlags `json:"ready_flags"`
	JoinedAt  int64      `json:"joined_at"`
}

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Bounds struct {
	MinLat float64 `json:"min_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLat float64 `json:"max_lat"`
	MaxLng float64 `json:"max_lng"`
}

// Valid reports whether the bounds enclose a non-empty area.
func (b Bounds) Valid() bool { return b.MinLat < b.MaxLat && b.MinLng < b.MaxLng }

func (b Bounds) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

type Sector struct {
	Coordinates []Point `json:"coordinates,omitempty"`
	Bounds      Bounds  `json:"bounds"`
}

type Zone struct {
	Team        Team    `json:"team"`
	Coordinates []Point `json:"coordinates,omitempty"`
	Bounds      Bounds  `json:"bounds"`
}

type Zones struct {
	Red  *Zone `json:"red,omitempty"`
	Blue *Zone `json:"blue,omitempty"`
}

func (z Zones) For(team Team) *Zone {
	switch team {
	case TeamRed:
		return z.Red
	case TeamBlue:
		return z.Blue
	}
	return nil
}

type Element struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	OwnerID    string            `json:"owner_id"`
	Team       Team              `json:"team"`
	Position   Point             `json:"position"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type TurnState struct {
	Number           int      `json:"turn_number"`
	Mode             TurnMode `json:"mode"`
	ActivePlayerID   string   `json:"active_player_id,omitempty"`
	RemainingSeconds int      `json:"remaining_seconds"`
}

type Rules struct {
	Mode        TurnMode `json:"mode"`
	TurnSeconds int      `json:"turn_seconds"`
}

// State is the shared battle state. The relay owns the authoritative copy and
// every client holds a mirror of it.
type State struct {
	Code      string             `json:"code"`
	Roster    []Player           `json:"roster"`
	Director  string             `json:"director,omitempty"`
	Phase     Phase              `json:"phase"`
	Subphase  Subphase           `json:"subphase"`
	Sector    *Sector            `json:"sector,omitempty"`
	Zones     Zones              `json:"zones"`
	Elements  map[string]Element `json:"elements"`
	Turn      TurnState          `json:"turn"`
	Rules     Rules              `json:"rules"`
	Clocks    map[string]int64   `json:"clocks"` // last accepted timestamp per entity key
	CreatedAt int64              `json:"created_at"`
}

func (s State) Stage() Stage { return Stage{Phase: s.Phase, Subphase: s.Subphase} }

type CommandType string

const (
	CmdJoin            CommandType = "Join"
	CmdLeave           CommandType = "Leave"
	CmdDisconnect      CommandType = "Disconnect"
	CmdConfirmSector   CommandType = "ConfirmSector"
	CmdConfirmZone     CommandType = "ConfirmZone"
	CmdChangePhase     CommandType = "ChangePhase"
	CmdReady           CommandType = "Ready"
	CmdCreateElement   CommandType = "CreateElement"
	CmdMoveElement     CommandType = "MoveElement"
	CmdDeleteElement   CommandType = "DeleteElement"
	CmdChangeTurn      CommandType = "ChangeTurn"
	CmdChat            CommandType = "Chat"
	CmdClaimDirector   CommandType = "ClaimDirector"
	CmdReleaseDirector CommandType = "ReleaseDirector"
)

/*
	CmdJoin           -> EvtPlayerJoined (new) | EvtPlayerStatus (rejoin)
	CmdLeave          -> EvtPlayerLeft [-> EvtDirectorChanged]
	CmdDisconnect     -> EvtPlayerStatus [-> EvtDirectorChanged]
	CmdConfirmSector  -> EvtSectorConfirmed -> EvtPhaseChanged(zone_definition)
	CmdConfirmZone    -> EvtZoneConfirmed [-> EvtPhaseChanged(deployment) when blue]
	CmdChangePhase    -> EvtPhaseChanged [-> EvtTurnChanged when combat starts]
	CmdReady          -> EvtReady
	CmdXxxElement     -> EvtElementXxx
	CmdChangeTurn     -> EvtTurnChanged
	CmdChat           -> EvtChat
	CmdClaimDirector  -> EvtDirectorChanged
*/

// Command is a validated-on-apply request from a session member. An empty
// SenderID means the relay itself issued the command (timers, elections).
type Command struct {
	Type      CommandType
	SenderID  string
	Timestamp int64

	Player    Player
	Sector    *Sector
	Zone      *Zone
	Stage     Stage
	Reset     bool
	Ready     ReadyContext
	Element   *Element
	ElementID string
	Position  Point
	Turn      *TurnState
	Chat      *Chat
}

type Chat struct {
	Message string    `json:"message"`
	Scope   ChatScope `json:"scope"`
	Team    Team      `json:"team,omitempty"`
	From    string    `json:"from,omitempty"`
}

type EventType string

// Event names double as wire event names.
const (
	EvtPlayerJoined    EventType = "player-joined"
	EvtPlayerLeft      EventType = "player-left"
	EvtPlayerStatus    EventType = "player-status"
	EvtSectorConfirmed EventType = "sector-confirm"
	EvtZoneConfirmed   EventType = "zone-confirm"
	EvtPhaseChanged    EventType = "phase-change"
	EvtReady           EventType = "ready"
	EvtAllReady        EventType = "all-ready"
	EvtElementCreated  EventType = "element-create"
	EvtElementMoved    EventType = "element-move"
	EvtElementDeleted  EventType = "element-delete"
	EvtTurnChanged     EventType = "turn-change"
	EvtChat            EventType = "chat"
	EvtDirectorChanged EventType = "director-changed"
)

// Scope says who receives an event once the relay accepts it.
type Scope int

const (
	ScopeAll    Scope = iota // every member, sender included
	ScopeOthers              // every member except the origin
	ScopeTeam                // members of Event.Team except the origin
)

type Event struct {
	Type      EventType    `json:"type"`
	OriginID  string       `json:"origin_id,omitempty"`
	Timestamp int64        `json:"timestamp"`
	RelayedAt int64        `json:"relayed_at,omitempty"`
	Scope     Scope        `json:"-"`
	Team      Team         `json:"team,omitempty"`
	Player    *Player      `json:"player,omitempty"`
	PlayerID  string       `json:"player_id,omitempty"`
	Director  string       `json:"director,omitempty"`
	Sector    *Sector      `json:"sector,omitempty"`
	Zone      *Zone        `json:"zone,omitempty"`
	Stage     *Stage       `json:"stage,omitempty"`
	Reset     bool         `json:"reset,omitempty"`
	Ready     ReadyContext `json:"ready,omitempty"`
	Element   *Element     `json:"element,omitempty"`
	ElementID string       `json:"element_id,omitempty"`
	Position  *Point       `json:"position,omitempty"`
	Turn      *TurnState   `json:"turn,omitempty"`
	Chat      *Chat        `json:"chat,omitempty"`
}

// Apply validates cmd against s and returns the events it produces together
// with the state after folding them. On error s is returned unchanged.
func Apply(s State, cmd Command) ([]Event, State, error) {
	var (
		events []Event
		err    error
	)

	switch cmd.Type {
	case CmdJoin:
		events, err = applyJoin(s, cmd)
	case CmdLeave:
		events, err = applyLeave(s, cmd)
	case CmdDisconnect:
		events, err = applyDisconnect(s, cmd)
	case CmdConfirmSector:
		events, err = applyConfirmSector(s, cmd)
	case CmdConfirmZone:
		events, err = applyConfirmZone(s, cmd)
	case CmdChangePhase:
		events, err = applyChangePhase(s, cmd)
	case CmdReady:
		events, err = applyReady(s, cmd)
	case CmdCreateElement, CmdMoveElement, CmdDeleteElement:
		events, err = applyElement(s, cmd)
	case CmdChangeTurn:
		events, err = applyChangeTurn(s, cmd)
	case CmdChat:
		events, err = applyChat(s, cmd)
	case CmdClaimDirector:
		events, err = applyClaimDirector(s, cmd)
	case CmdReleaseDirector:
		events, err = applyReleaseDirector(s, cmd)
	default:
		err = ErrUnsupported
	}
	if err != nil {
		return nil, s, err
	}

	newState := s
	for i := range events {
		if events[i].Timestamp == 0 {
			events[i].Timestamp = cmd.Timestamp
		}
		newState, err = Fold(newState, events[i])
		if err != nil {
			return nil, s, err
		}
	}
	return events, newState, nil
}

func applyJoin(s State, cmd Command) ([]Event, error) {
	p := cmd.Player
	if p.ID == "" {
		return nil, ErrMissingField
	}
	if p.Team != TeamNone && !p.Team.Playable() {
		return nil, ErrInvalidTeam
	}

	if existing, ok := FindPlayer(s, p.ID); ok {
		// Rejoin keeps the original team; ownership never moves between teams.
		existing.Connected = true
		if p.Name != "" {
			existing.Name = p.Name
		}
		return []Event{{Type: EvtPlayerStatus, OriginID: p.ID, Scope: ScopeOthers, Player: &existing}}, nil
	}

	p.Connected = true
	p.Ready = ReadyFlags{}
	p.JoinedAt = cmd.Timestamp
	return []Event{{Type: EvtPlayerJoined, OriginID: p.ID, Scope: ScopeOthers, Player: &p}}, nil
}

func applyLeave(s State, cmd Command) ([]Event, error) {
	if _, ok := FindPlayer(s, cmd.SenderID); !ok {
		return nil, ErrUnknownPlayer
	}
	events := []Event{{Type: EvtPlayerLeft, OriginID: cmd.SenderID, Scope: ScopeOthers, PlayerID: cmd.SenderID}}
	if s.Director == cmd.SenderID {
		events = append(events, Event{Type: EvtDirectorChanged, Scope: ScopeAll})
	}
	return events, nil
}

func applyDisconnect(s State, cmd Command) ([]Event, error) {
	p, ok := FindPlayer(s, cmd.SenderID)
	if !ok {
		return nil, ErrUnknownPlayer
	}
	p.Connected = false
	events := []Event{{Type: EvtPlayerStatus, OriginID: cmd.SenderID, Scope: ScopeOthers, Player: &p}}
	if s.Director == cmd.SenderID {
		events = append(events, Event{Type: EvtDirectorChanged, Scope: ScopeAll})
	}
	return events, nil
}

func applyConfirmSector(s State, cmd Command) ([]Event, error) {
	if s.Director == "" || s.Director != cmd.SenderID {
		return nil, ErrNotDirector
	}
	if s.Stage() != StageSectorDefinition {
		return nil, ErrWrongPhase
	}
	if cmd.Sector == nil || !cmd.Sector.Bounds.Valid() {
		return nil, ErrInvalidBounds
	}
	sector := *cmd.Sector
	next := StageZoneDefinition
	return []Event{
		{Type: EvtSectorConfirmed, OriginID: cmd.SenderID, Scope: ScopeOthers, Sector: &sector},
		{Type: EvtPhaseChanged, Scope: ScopeAll, Stage: &next},
	}, nil
}

func applyConfirmZone(s State, cmd Command) ([]Event, error) {
	if s.Stage() != StageZoneDefinition {
		return nil, ErrWrongPhase
	}
	if cmd.Zone == nil || !cmd.Zone.Bounds.Valid() {
		return nil, ErrInvalidBounds
	}
	if !cmd.Zone.Team.Playable() {
		return nil, ErrInvalidTeam
	}
	sender, ok := FindPlayer(s, cmd.SenderID)
	if !ok {
		return nil, ErrUnknownPlayer
	}
	if sender.Team != cmd.Zone.Team && s.Director != cmd.SenderID {
		return nil, ErrNotYourTeam
	}
	if cmd.Zone.Team == TeamBlue && s.Zones.Red == nil {
		return nil, ErrZoneOrder
	}

	zone := *cmd.Zone
	events := []Event{{Type: EvtZoneConfirmed, OriginID: cmd.SenderID, Scope: ScopeOthers, Team: zone.Team, Zone: &zone}}
	if zone.Team == TeamBlue {
		next := StageDeployment
		events = append(events, Event{Type: EvtPhaseChanged, Scope: ScopeAll, Stage: &next})
	}
	return events, nil
}

func applyChangePhase(s State, cmd Command) ([]Event, error) {
	if s.Director == "" || s.Director != cmd.SenderID {
		return nil, ErrNotDirector
	}
	if cmd.Reset {
		target := StageSectorDefinition
		return []Event{{Type: EvtPhaseChanged, Scope: ScopeAll, Stage: &target, Reset: true}}, nil
	}

	current := s.Stage()
	target := cmd.Stage
	if target == current {
		return nil, nil
	}
	if !CanTransition(current, target) {
		return nil, ErrIllegalTransition
	}

	switch target {
	case StageZoneDefinition:
		if s.Sector == nil {
			return nil, ErrInvalidBounds
		}
	case StageDeployment:
		if s.Zones.Red == nil || s.Zones.Blue == nil {
			return nil, ErrZonesIncomplete
		}
	case StageMovement:
		if current == StageDeployment && !AllReady(s, ReadyDeployment) {
			return nil, ErrNotAllReady
		}
	}

	events := []Event{{Type: EvtPhaseChanged, Scope: ScopeAll, Stage: &target}}
	if current == StageDeployment && target == StageMovement {
		turn := FirstTurn(s)
		events = append(events, Event{Type: EvtTurnChanged, Scope: ScopeAll, Turn: &turn})
	}
	return events, nil
}

func applyReady(s State, cmd Command) ([]Event, error) {
	if _, ok := FindPlayer(s, cmd.SenderID); !ok {
		return nil, ErrUnknownPlayer
	}
	switch cmd.Ready {
	case ReadyLobby:
		if s.Phase != PhasePreparation {
			return nil, ErrWrongPhase
		}
	case ReadyDeployment:
		if s.Stage() != StageDeployment {
			return nil, ErrWrongPhase
		}
	default:
		return nil, ErrMissingField
	}
	return []Event{{Type: EvtReady, OriginID: cmd.SenderID, Scope: ScopeOthers, PlayerID: cmd.SenderID, Ready: cmd.Ready}}, nil
}

func applyElement(s State, cmd Command) ([]Event, error) {
	if s.Stage() != StageDeployment && s.Phase != PhaseCombat {
		return nil, ErrWrongPhase
	}
	sender, ok := FindPlayer(s, cmd.SenderID)
	if !ok {
		return nil, ErrUnknownPlayer
	}
	if !sender.Team.Playable() {
		return nil, ErrInvalidTeam
	}
	if !MayMutate(s, cmd.SenderID) {
		return nil, ErrNotYourTurn
	}

	id := cmd.ElementID
	if cmd.Type == CmdCreateElement && cmd.Element != nil {
		id = cmd.Element.ID
	}
	if id == "" {
		return nil, ErrMissingField
	}
	existing, exists := s.Elements[id]
	if exists && existing.Team != sender.Team {
		return nil, ErrNotOwner
	}
	if IsStale(s, ElementKey(id), cmd.Timestamp) {
		return nil, ErrStaleUpdate
	}

	switch cmd.Type {
	case CmdCreateElement:
		if cmd.Element == nil {
			return nil, ErrMissingField
		}
		el := cloneElement(*cmd.Element)
		el.OwnerID = cmd.SenderID
		el.Team = sender.Team
		if exists {
			el.OwnerID = existing.OwnerID
		}
		if err := checkContainment(s, el.Team, el.Position); err != nil {
			return nil, err
		}
		return []Event{{Type: EvtElementCreated, OriginID: cmd.SenderID, Scope: ScopeOthers, ElementID: id, Element: &el}}, nil

	case CmdMoveElement:
		if !exists {
			return nil, ErrUnknownElement
		}
		if err := checkContainment(s, existing.Team, cmd.Position); err != nil {
			return nil, err
		}
		pos := cmd.Position
		return []Event{{Type: EvtElementMoved, OriginID: cmd.SenderID, Scope: ScopeOthers, ElementID: id, Position: &pos}}, nil

	default:
		if !exists {
			return nil, ErrUnknownElement
		}
		return []Event{{Type: EvtElementDeleted, OriginID: cmd.SenderID, Scope: ScopeOthers, ElementID: id}}, nil
	}
}

func checkContainment(s State, team Team, p Point) error {
	if s.Stage() != StageDeployment {
		return nil
	}
	zone := s.Zones.For(team)
	if zone == nil || !zone.Bounds.Contains(p) {
		return ErrOutsideZone
	}
	return nil
}

func applyChangeTurn(s State, cmd Command) ([]Event, error) {
	if s.Phase != PhaseCombat {
		return nil, ErrWrongPhase
	}
	if cmd.Turn == nil {
		return nil, ErrMissingField
	}
	if cmd.Turn.Number < s.Turn.Number {
		return nil, ErrStaleTurn
	}

	scope := ScopeOthers
	if cmd.SenderID == "" {
		scope = ScopeAll
	} else {
		allowed := cmd.SenderID == s.Director
		if s.Turn.Mode == ModeRotation && cmd.SenderID == s.Turn.ActivePlayerID {
			allowed = true
		}
		if !allowed {
			return nil, ErrNotYourTurn
		}
	}
	// Only the successor derived from the roster is accepted. Mode and clock
	// always come from the session rules, never from the sender.
	next := NextTurn(s)
	if cmd.Turn.ActivePlayerID != next.ActivePlayerID || cmd.Turn.Number != next.Number {
		return nil, ErrInvalidTurn
	}
	if IsStale(s, KeyTurn, cmd.Timestamp) {
		return nil, ErrStaleUpdate
	}
	return []Event{{Type: EvtTurnChanged, OriginID: cmd.SenderID, Scope: scope, Turn: &next}}, nil
}

func applyChat(s State, cmd Command) ([]Event, error) {
	sender, ok := FindPlayer(s, cmd.SenderID)
	if !ok {
		return nil, ErrUnknownPlayer
	}
	if cmd.Chat == nil || cmd.Chat.Message == "" {
		return nil, ErrMissingField
	}
	chat := *cmd.Chat
	chat.From = sender.Name
	chat.Team = sender.Team
	if chat.Scope == ChatTeam {
		if !sender.Team.Playable() {
			return nil, ErrInvalidTeam
		}
		return []Event{{Type: EvtChat, OriginID: cmd.SenderID, Scope: ScopeTeam, Team: sender.Team, Chat: &chat}}, nil
	}
	chat.Scope = ChatAll
	return []Event{{Type: EvtChat, OriginID: cmd.SenderID, Scope: ScopeOthers, Chat: &chat}}, nil
}

func applyClaimDirector(s State, cmd Command) ([]Event, error) {
	p, ok := FindPlayer(s, cmd.SenderID)
	if !ok || !p.Connected {
		return nil, ErrUnknownPlayer
	}
	if s.Director == cmd.SenderID {
		return nil, nil
	}
	if s.Director != "" {
		return nil, ErrDirectorTaken
	}
	return []Event{{Type: EvtDirectorChanged, Scope: ScopeAll, Director: cmd.SenderID}}, nil
}

func applyReleaseDirector(s State, cmd Command) ([]Event, error) {
	if s.Director == "" || s.Director != cmd.SenderID {
		return nil, ErrNotDirector
	}
	return []Event{{Type: EvtDirectorChanged, Scope: ScopeAll}}, nil
}
