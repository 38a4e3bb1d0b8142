// Package recording implements the append-only capture log, the compressed
// recording file format and its eager and lazy loaders.
package recording

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/burpheart/replay-tap/internal/protocol"
)

// Direction records which way a message crossed the harness.
type Direction string

const (
	DirectionToHarness   Direction = "to_harness"
	DirectionFromHarness Direction = "from_harness"
)

// Schema versions. Version 1 recordings load; new files are written as 2.
const (
	CurrentSchemaVersion = 2
	MinSchemaVersion     = 1
)

// RecordedMessage is one captured envelope. Only commands carry hashes;
// responses are located by recording order and stream identity.
type RecordedMessage struct {
	Envelope   protocol.Envelope `json:"envelope"`
	RecordedAt time.Time         `json:"recordedAt"`
	Direction  Direction         `json:"direction"`
	Hash       string            `json:"hash,omitempty"`
}

// Recording is the persisted log of one scenario.
type Recording struct {
	SchemaVersion int               `json:"schemaVersion"`
	ScenarioName  string            `json:"scenarioName"`
	RecordedAt    time.Time         `json:"recordedAt"`
	Messages      []RecordedMessage `json:"messages"`
}

// Lazy converts an eagerly loaded recording into the lazy shape the player
// consumes, leaving each message as an undecoded slot.
func (r *Recording) Lazy() (*LazyRecording, error) {
	raw := make([]json.RawMessage, len(r.Messages))
	for i := range r.Messages {
		b, err := json.Marshal(&r.Messages[i])
		if err != nil {
			return nil, fmt.Errorf("encode message %d: %w", i, err)
		}
		raw[i] = b
	}
	return &LazyRecording{
		SchemaVersion: r.SchemaVersion,
		ScenarioName:  r.ScenarioName,
		RecordedAt:    r.RecordedAt,
		RawMessages:   raw,
	}, nil
}

// checkSchema validates a schema version against the supported range.
// The error string names the file on every failure mode.
func checkSchema(path string, version int) error {
	if version < MinSchemaVersion || version > CurrentSchemaVersion {
		return protocol.Errorf(protocol.CodeSchemaIncompatible,
			"Incompatible schema in %s: found %d, expected %d", path, version, CurrentSchemaVersion)
	}
	return nil
}
