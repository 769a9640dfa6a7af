package eventbus

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire form of an event shared by webhooks and mirrors
type Envelope struct {
	Event     EventType        `json:"event"`
	Timestamp int64            `json:"timestamp"`
	Data      interface{}      `json:"data"`
	Metadata  EnvelopeMetadata `json:"metadata"`
}

// EnvelopeMetadata identifies the producing indexer
type EnvelopeMetadata struct {
	Network string `json:"network"`
	Indexer string `json:"indexer"`
}

// NewEnvelope wraps ev. The timestamp is in epoch milliseconds.
func NewEnvelope(ev Event, network, indexer string) Envelope {
	return Envelope{
		Event:     ev.Type,
		Timestamp: ev.Timestamp.UnixMilli(),
		Data:      ev.Data,
		Metadata: EnvelopeMetadata{
			Network: network,
			Indexer: indexer,
		},
	}
}

// Marshal encodes the envelope as JSON.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	return data, nil
}
