package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key prefixes for different data types
const (
	prefixRecords    = "/data/records/"
	prefixPublishers = "/data/publishers/"
	prefixPublisher  = "/index/publisher/"
	prefixProgress   = "/meta/progress/"
)

// RecordKey returns the key for storing a record
// Format: /data/records/{id}
func RecordKey(id common.Hash) []byte {
	return []byte(prefixRecords + id.Hex())
}

// RecordPrefix returns the prefix shared by all record keys
func RecordPrefix() []byte {
	return []byte(prefixRecords)
}

// PublisherIndexKey returns the key for the publisher-record index
// Format: /index/publisher/{address}/{id}
func PublisherIndexKey(publisher common.Address, id common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", prefixPublisher, publisher.Hex(), id.Hex()))
}

// PublisherIndexPrefix returns the index prefix of one publisher
func PublisherIndexPrefix(publisher common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixPublisher, publisher.Hex()))
}

// PublisherStatsKey returns the key for aggregated publisher stats
// Format: /data/publishers/{address}
func PublisherStatsKey(publisher common.Address) []byte {
	return []byte(prefixPublishers + publisher.Hex())
}

// PublisherStatsPrefix returns the prefix shared by publisher stats keys
func PublisherStatsPrefix() []byte {
	return []byte(prefixPublishers)
}

// ProgressKey returns the key of a network's progress document
// Format: /meta/progress/{network}
func ProgressKey(network string) []byte {
	return []byte(prefixProgress + network)
}

// ParseIndexedID extracts the record id from a publisher index key
func ParseIndexedID(key []byte) (common.Hash, error) {
	s := string(key)
	// id is the trailing 0x-prefixed 32-byte hex
	const idLen = 2 + common.HashLength*2
	if len(s) < idLen {
		return common.Hash{}, fmt.Errorf("invalid index key: %s", s)
	}
	return common.HexToHash(s[len(s)-idLen:]), nil
}

// incrementPrefix returns a prefix that is one greater than the input
// Used for creating upper bounds in range scans
func incrementPrefix(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	result := make([]byte, len(prefix))
	copy(result, prefix)
	for i := len(result) - 1; i >= 0; i-- {
		if result[i] < 0xff {
			result[i]++
			return result
		}
		result[i] = 0
	}
	return append(result, 0)
}
