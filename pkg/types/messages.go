package types

// Client -> Relay envelope
//   type: event name
//   session_code: string
//   origin_id: string (overwritten by the relay with the connection's player id)
//   timestamp: number (unix millis at the sender)
//   payload: object
//
// join-session (must be the first message on a connection):
//   player_id: string
//   name: string
//   team: "blue" | "red" | ""
//   director: boolean
//   mode: "simultaneous" | "rotation"   // only used when the join creates the session
//   turn_seconds: number               // same
//
// leave-session: {}
//
// sector-confirm (director, preparation.sector_definition):
//   coordinates: {lat, lng}[]
//   bounds: {min_lat, min_lng, max_lat, max_lng}
//
// zone-confirm (preparation.zone_definition, red before blue):
//   team: "blue" | "red"
//   coordinates: {lat, lng}[]
//   bounds: {min_lat, min_lng, max_lat, max_lng}
//
// phase-change (director only):
//   phase: "preparation" | "combat" | "finalization"
//   subphase: "sector_definition" | "zone_definition" | "deployment" | "movement" | "action" | "summary"
//   reset: boolean
//
// ready:
//   context: "lobby" | "deployment"
//
// element-create | element-move | element-delete:
//   element_id: string
//   kind: string                 // create
//   position: {lat, lng}         // create, move
//   attributes: {[k]: string}    // create
//
// turn-change:
//   turn_number: number
//   active_player_id: string
//   remaining_seconds: number
//
// chat:
//   message: string
//   scope: "all" | "team"
//
// director-claim: {}
// director-release: {}
// state-request: {}
