package types

import (
	"errors"
	"testing"

	"github.com/DoyleJ11/battlesync/internal/engine"
	apperrors "github.com/DoyleJ11/battlesync/internal/errors"
	"github.com/stretchr/testify/require"
)

func TestNewClientMessageRejectsMissingCode(t *testing.T) {
	_, err := NewClientMessage(EventChat, "", "p1", 1, ChatPayload{Message: "hi"})
	require.ErrorIs(t, err, ErrMissingSessionCode)
}

func TestNewClientMessageValidatesBeforeEncoding(t *testing.T) {
	_, err := NewClientMessage(EventSectorConfirm, "ABC123", "p1", 1, SectorPayload{})
	require.ErrorIs(t, err, engine.ErrInvalidBounds)
	require.ErrorIs(t, err, apperrors.Validation)
}

func TestDecodePayloadRoundTrip(t *testing.T) {
	bounds := engine.Bounds{MinLat: 1, MinLng: 1, MaxLat: 2, MaxLng: 2}
	msg, err := NewClientMessage(EventZoneConfirm, "ABC123", "p1", 42, ZonePayload{Team: engine.TeamRed, Bounds: &bounds})
	require.NoError(t, err)

	got, err := DecodePayload[ZonePayload](msg)
	require.NoError(t, err)
	require.Equal(t, engine.TeamRed, got.Zone().Team)
	require.Equal(t, bounds, got.Zone().Bounds)
}

func TestDecodePayloadMalformed(t *testing.T) {
	msg := ClientMessage{Type: EventChat, Payload: []byte(`{"message": 5}`)}
	_, err := DecodePayload[ChatPayload](msg)
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestElementPayloadValidateFor(t *testing.T) {
	pos := &engine.Point{Lat: 1, Lng: 2}
	cases := []struct {
		name    string
		event   string
		payload ElementPayload
		wantErr bool
	}{
		{"create complete", EventElementCreate, ElementPayload{ElementID: "u1", Kind: "tank", Position: pos}, false},
		{"create without kind", EventElementCreate, ElementPayload{ElementID: "u1", Position: pos}, true},
		{"move without position", EventElementMove, ElementPayload{ElementID: "u1"}, true},
		{"delete by id", EventElementDelete, ElementPayload{ElementID: "u1"}, false},
		{"missing id", EventElementDelete, ElementPayload{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.payload.ValidateFor(tc.event)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
		})
	}
}

func TestErrorBodyRoundTrip(t *testing.T) {
	body := ErrorFrom(engine.ErrNotDirector)
	require.Equal(t, apperrors.KindAuthorization, body.Kind)
	require.True(t, errors.Is(body.Err(), engine.ErrNotDirector))

	plain := ErrorFrom(errors.New("boom"))
	require.Equal(t, apperrors.KindValidation, plain.Kind)
	require.Equal(t, "bad_request", plain.Code)
}
