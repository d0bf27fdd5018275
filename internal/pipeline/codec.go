package pipeline

import (
	"encoding/json"

	"github.com/galatea-associates/ims-core/internal/events"
)

// encodeEnvelope and decodeEnvelope are the wire codec for the production
// kafka broker. JSON keeps the payload human-inspectable on the topic for
// ops debugging, matching the teacher's exchange payloads, which are also
// JSON over the wire.
func encodeEnvelope(env events.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func decodeEnvelope(data []byte) (events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return events.Envelope{}, err
	}
	return env, nil
}
