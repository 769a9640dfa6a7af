package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/registry-indexer/pkg/types"
)

func TestEnvelope_ExactShape(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_123)
	rec := &types.Record{
		ID:          common.HexToHash("0x01"),
		BlockNumber: 42,
	}
	ev := Event{
		Type:      EventTypeRecordIndexed,
		Timestamp: ts,
		Data:      IndexedData{Record: rec, IsNew: true, Source: SourceRealtime},
	}

	payload, err := NewEnvelope(ev, "mainnet", "registry").Marshal()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &decoded))

	keys := make([]string, 0, len(decoded))
	for k := range decoded {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{"event", "timestamp", "data", "metadata"}, keys)

	assert.Equal(t, "record.indexed", decoded["event"])
	assert.Equal(t, float64(1_700_000_000_123), decoded["timestamp"])
	assert.Equal(t, map[string]interface{}{"network": "mainnet", "indexer": "registry"}, decoded["metadata"])

	data := decoded["data"].(map[string]interface{})
	assert.Equal(t, true, data["isNew"])
	assert.Equal(t, "realtime", data["source"])
	record := data["record"].(map[string]interface{})
	assert.Equal(t, rec.ID.Hex(), record["id"])
}

func TestEnvelope_UnencodableData(t *testing.T) {
	ev := NewEvent(EventTypeIndexerError, map[string]interface{}{"bad": make(chan int)})

	_, err := NewEnvelope(ev, "n", "i").Marshal()
	assert.ErrorIs(t, err, ErrSerializationFailed)
}

func TestNewErrorEvent(t *testing.T) {
	ev := NewErrorEvent("get_logs", assert.AnError, map[string]interface{}{"from": 1})

	assert.Equal(t, EventTypeIndexerError, ev.Type)
	data, ok := ev.Data.(ErrorData)
	require.True(t, ok)
	assert.Equal(t, "get_logs", data.Operation)
	assert.Equal(t, assert.AnError.Error(), data.Error)
	assert.Equal(t, 1, data.Context["from"])
}
