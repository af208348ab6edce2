package engine

// transitions lists the legal forward edges. Reset back to sector_definition
// is handled separately since it is allowed from every stage.
var transitions = map[Stage][]Stage{
	StageSectorDefinition: {StageZoneDefinition},
	StageZoneDefinition:   {StageDeployment},
	StageDeployment:       {StageMovement},
	StageMovement:         {StageAction, StageSummary},
	StageAction:           {StageMovement, StageSummary},
}

// CanTransition reports whether the state machine may move from one stage to another.
func CanTransition(from, to Stage) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidStage reports whether st names a stage of the state machine.
func ValidStage(st Stage) bool {
	switch st {
	case StageSectorDefinition, StageZoneDefinition, StageDeployment,
		StageMovement, StageAction, StageSummary:
		return true
	}
	return false
}

// AllReady reports whether every roster member has set the flag for ctx. An
// empty roster is never ready, and deployment additionally needs at least one
// player on each team.
func AllReady(s State, ctx ReadyContext) bool {
	if len(s.Roster) == 0 {
		return false
	}
	var blue, red int
	for _, p := range s.Roster {
		switch ctx {
		case ReadyLobby:
			if !p.Ready.Lobby {
				return false
			}
		case ReadyDeployment:
			if !p.Ready.Deployment {
				return false
			}
		default:
			return false
		}
		switch p.Team {
		case TeamBlue:
			blue++
		case TeamRed:
			red++
		}
	}
	if ctx == ReadyDeployment {
		return blue > 0 && red > 0
	}
	return true
}
