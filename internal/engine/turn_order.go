package engine

// RotationOrder interleaves connected blue and red players in join order,
// blue first. The director and players without a team never take a turn. If
// nobody eligible is connected every eligible player is used instead.
func RotationOrder(s State) []string {
	blue, red := teamQueues(s, true)
	if len(blue)+len(red) == 0 {
		blue, red = teamQueues(s, false)
	}

	order := make([]string, 0, len(blue)+len(red))
	for i := 0; i < len(blue) || i < len(red); i++ {
		if i < len(blue) {
			order = append(order, blue[i])
		}
		if i < len(red) {
			order = append(order, red[i])
		}
	}
	return order
}

func teamQueues(s State, connectedOnly bool) (blue, red []string) {
	for _, p := range s.Roster {
		if p.ID == s.Director || (connectedOnly && !p.Connected) {
			continue
		}
		switch p.Team {
		case TeamBlue:
			blue = append(blue, p.ID)
		case TeamRed:
			red = append(red, p.ID)
		}
	}
	return blue, red
}

// FirstTurn is the turn state that opens combat.
func FirstTurn(s State) TurnState {
	t := TurnState{Number: 1, Mode: s.Rules.Mode, RemainingSeconds: NormalizeTurnSeconds(s.Rules.TurnSeconds)}
	if t.Mode == ModeRotation {
		if order := RotationOrder(s); len(order) > 0 {
			t.ActivePlayerID = order[0]
		}
	}
	return t
}

// NextTurn advances the turn. In simultaneous mode every call is a new turn.
// In rotation mode the active player moves to the next entry of the order and
// the turn number only increments when the order wraps back to its start.
func NextTurn(s State) TurnState {
	cur := s.Turn
	t := TurnState{Mode: s.Rules.Mode, RemainingSeconds: NormalizeTurnSeconds(s.Rules.TurnSeconds)}
	if t.Mode != ModeRotation {
		t.Number = cur.Number + 1
		return t
	}

	order := RotationOrder(s)
	if len(order) == 0 {
		t.Number = cur.Number + 1
		return t
	}
	idx := -1
	for i, id := range order {
		if id == cur.ActivePlayerID {
			idx = i
			break
		}
	}
	next := (idx + 1) % len(order)
	t.ActivePlayerID = order[next]
	t.Number = cur.Number
	if next == 0 || t.Number == 0 {
		t.Number = cur.Number + 1
	}
	return t
}

// MayMutate reports whether id may change elements right now. Outside rotation
// combat everyone may; during rotation combat only the active player may.
func MayMutate(s State, id string) bool {
	if s.Phase != PhaseCombat || s.Turn.Mode != ModeRotation {
		return true
	}
	return s.Turn.ActivePlayerID == "" || s.Turn.ActivePlayerID == id
}
