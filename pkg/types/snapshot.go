package types

// Relay -> Client envelope
//   type: event name | "state-snapshot" | "error"
//   version: number   // increments on every accepted state change
//   event: Event      // relayed events
//   state: State      // state-snapshot only
//   error: {kind, code, message}
//
// Event:
//   type: string
//   origin_id: string          // empty for relay-issued events
//   timestamp: number          // sender clock, used for last-writer-wins
//   relayed_at: number         // relay clock
//   team, player, player_id, director, sector, zone, stage, reset, ready,
//   element, element_id, position, turn, chat: set per event type
//
// State (state-snapshot):
//   code: string
//   roster: {id, name, team, connected, ready_flags: {lobby, deployment}, joined_at}[]
//   director: string
//   phase: string
//   subphase: string
//   sector: {coordinates, bounds}
//   zones: { red: Zone, blue: Zone }
//   elements: { [id]: {id, kind, owner_id, team, position, attributes} }
//   turn: {turn_number, mode, active_player_id, remaining_seconds}
//   rules: {mode, turn_seconds}
//   clocks: { [entity]: number }   // last accepted timestamp per entity
//   created_at: number
//
// Error kinds: "connection" | "validation" | "authorization" | "conflict" | "persistence"
