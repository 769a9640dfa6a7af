// Package eventbus carries pipeline notifications from the scan paths to
// in-process consumers and optional external mirrors.
package eventbus

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xmhha/registry-indexer/pkg/types"
)

// EventType identifies the kind of an event
type EventType string

const (
	// EventTypeRecordDiscovered is published when the monitor sees a new id
	EventTypeRecordDiscovered EventType = "record.discovered"

	// EventTypeRecordIndexed is published after a record was persisted
	EventTypeRecordIndexed EventType = "record.indexed"

	// EventTypeRecordEnriched is published after enrichment was saved
	EventTypeRecordEnriched EventType = "record.enriched"

	// EventTypeConnectionEstablished is published when the monitor is watching
	EventTypeConnectionEstablished EventType = "connection.established"

	// EventTypeConnectionLost is published when the monitor starts reconnecting
	EventTypeConnectionLost EventType = "connection.lost"

	// EventTypeIndexerError is published for skipped events and fatal conditions
	EventTypeIndexerError EventType = "indexer.error"
)

// Sources of a record.indexed event
const (
	SourceHistorical = "historical"
	SourceRealtime   = "realtime"
)

// AllEventTypes returns every event type in declaration order.
func AllEventTypes() []EventType {
	return []EventType{
		EventTypeRecordDiscovered,
		EventTypeRecordIndexed,
		EventTypeRecordEnriched,
		EventTypeConnectionEstablished,
		EventTypeConnectionLost,
		EventTypeIndexerError,
	}
}

// ParseEventType validates a configured event type name.
func ParseEventType(s string) (EventType, error) {
	for _, t := range AllEventTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEventType, s)
}

// Event is a single notification
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// NewEvent stamps data with the current time.
func NewEvent(t EventType, data interface{}) Event {
	return Event{Type: t, Timestamp: time.Now(), Data: data}
}

// DiscoveredData is the payload of record.discovered
type DiscoveredData struct {
	ID          common.Hash `json:"id"`
	BlockNumber uint64      `json:"blockNumber"`
	TxHash      common.Hash `json:"transactionHash"`
	LogIndex    uint        `json:"logIndex"`
}

// IndexedData is the payload of record.indexed
type IndexedData struct {
	Record *types.Record `json:"record"`
	IsNew  bool          `json:"isNew"`
	Source string        `json:"source"`
}

// EnrichedData is the payload of record.enriched
type EnrichedData struct {
	Record *types.Record `json:"record"`
}

// ConnectionData is the payload of connection.established and connection.lost
type ConnectionData struct {
	Network string `json:"network"`
	Attempt int    `json:"attempt,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ErrorData is the payload of indexer.error
type ErrorData struct {
	Operation string                 `json:"operation"`
	Error     string                 `json:"error"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// NewErrorEvent builds an indexer.error event.
func NewErrorEvent(operation string, err error, fields map[string]interface{}) Event {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return NewEvent(EventTypeIndexerError, ErrorData{
		Operation: operation,
		Error:     msg,
		Context:   fields,
	})
}
