package types

import (
	"encoding/json"

	"github.com/DoyleJ11/battlesync/internal/engine"
	apperrors "github.com/DoyleJ11/battlesync/internal/errors"
)

// Event names on the wire. Relayed state events reuse the engine names.
const (
	EventJoinSession     = "join-session"
	EventLeaveSession    = "leave-session"
	EventStateRequest    = "state-request"
	EventStateSnapshot   = "state-snapshot"
	EventError           = "error"
	EventDirectorClaim   = "director-claim"
	EventDirectorRelease = "director-release"

	EventPlayerJoined    = string(engine.EvtPlayerJoined)
	EventPlayerLeft      = string(engine.EvtPlayerLeft)
	EventPlayerStatus    = string(engine.EvtPlayerStatus)
	EventSectorConfirm   = string(engine.EvtSectorConfirmed)
	EventZoneConfirm     = string(engine.EvtZoneConfirmed)
	EventPhaseChange     = string(engine.EvtPhaseChanged)
	EventReady           = string(engine.EvtReady)
	EventAllReady        = string(engine.EvtAllReady)
	EventElementCreate   = string(engine.EvtElementCreated)
	EventElementMove     = string(engine.EvtElementMoved)
	EventElementDelete   = string(engine.EvtElementDeleted)
	EventTurnChange      = string(engine.EvtTurnChanged)
	EventChat            = string(engine.EvtChat)
	EventDirectorChanged = string(engine.EvtDirectorChanged)
)

var (
	ErrMissingSessionCode = apperrors.New(apperrors.KindValidation, "missing_session_code", "session code is required")
	ErrMissingPlayerID    = apperrors.New(apperrors.KindValidation, "missing_player_id", "player id is required")
	ErrMalformedPayload   = apperrors.New(apperrors.KindValidation, "malformed_payload", "payload could not be decoded")
	ErrUnknownEvent       = apperrors.New(apperrors.KindValidation, "unknown_event", "unknown event type")
	ErrNotJoined          = apperrors.New(apperrors.KindValidation, "not_joined", "first message must be join-session")
	ErrSessionNotFound    = apperrors.New(apperrors.KindValidation, "session_not_found", "session does not exist")
)

type ClientMessage struct {
	Type        string          `json:"type"`
	SessionCode string          `json:"session_code"`
	OriginID    string          `json:"origin_id"`
	Timestamp   int64           `json:"timestamp"` // unix millis at the sender
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type ServerMessage struct {
	Type    string        `json:"type"` // event name | "state-snapshot" | "error"
	Version int           `json:"version,omitempty"`
	Event   *engine.Event `json:"event,omitempty"`
	State   *engine.State `json:"state,omitempty"`
	Error   *ErrorBody    `json:"error,omitempty"`
}

type ErrorBody struct {
	Kind    apperrors.Kind `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
}

// ErrorFrom converts err to its wire form. Errors outside the taxonomy are
// reported as validation failures.
func ErrorFrom(err error) *ErrorBody {
	body := &ErrorBody{Kind: apperrors.KindOf(err), Code: apperrors.CodeOf(err), Message: err.Error()}
	if body.Kind == "" {
		body.Kind = apperrors.KindValidation
	}
	if body.Code == "" {
		body.Code = "bad_request"
	}
	return body
}

// Err turns a received error body back into a coded error.
func (b *ErrorBody) Err() error {
	return apperrors.New(b.Kind, b.Code, b.Message)
}

// Validator is implemented by payloads that can be checked before sending.
type Validator interface {
	Validate() error
}

// NewClientMessage wraps payload with the session context.
func NewClientMessage(event, code, originID string, ts int64, payload any) (ClientMessage, error) {
	msg := ClientMessage{Type: event, SessionCode: code, OriginID: originID, Timestamp: ts}
	if code == "" {
		return msg, ErrMissingSessionCode
	}
	if payload == nil {
		return msg, nil
	}
	if v, ok := payload.(Validator); ok {
		if err := v.Validate(); err != nil {
			return msg, err
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return msg, apperrors.Wrap(apperrors.KindValidation, "malformed_payload", "encode payload", err)
	}
	msg.Payload = raw
	return msg, nil
}

// DecodePayload unmarshals msg.Payload into T and validates it.
func DecodePayload[T any](msg ClientMessage) (T, error) {
	var p T
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return p, apperrors.Wrap(apperrors.KindValidation, "malformed_payload", "decode "+msg.Type, err)
		}
	}
	if v, ok := any(&p).(Validator); ok {
		if err := v.Validate(); err != nil {
			return p, err
		}
	}
	return p, nil
}
