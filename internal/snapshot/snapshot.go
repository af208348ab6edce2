// Package snapshot encodes session state for durable storage.
package snapshot

import (
	"fmt"

	"github.com/DoyleJ11/battlesync/internal/engine"
	"github.com/fxamacker/cbor/v2"
)

// FormatVersion is bumped when the persisted layout changes incompatibly.
const FormatVersion = 1

type Snapshot struct {
	Format  int          `json:"format"`
	Version int          `json:"version"` // relay state version the snapshot reflects
	SavedAt int64        `json:"saved_at"`
	State   engine.State `json:"state"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

func Encode(version int, savedAt int64, s engine.State) ([]byte, error) {
	b, err := encMode.Marshal(Snapshot{Format: FormatVersion, Version: version, SavedAt: savedAt, State: s})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return b, nil
}

func Decode(b []byte) (Snapshot, error) {
	var snap Snapshot
	if err := decMode.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Format != FormatVersion {
		return Snapshot{}, fmt.Errorf("decode snapshot: unsupported format %d", snap.Format)
	}
	if snap.State.Elements == nil {
		snap.State.Elements = map[string]engine.Element{}
	}
	if snap.State.Clocks == nil {
		snap.State.Clocks = map[string]int64{}
	}
	if snap.State.Roster == nil {
		snap.State.Roster = []engine.Player{}
	}
	return snap, nil
}
