// Package types holds the data model shared by the indexing pipeline.
package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Record is the persisted projection of one registry registration event
// plus the metadata fetched during enrichment.
type Record struct {
	// ID is the registry identifier taken from the first indexed topic
	ID common.Hash `json:"id"`

	// Name and Definition are empty until the record has been enriched
	Name       string `json:"name"`
	Definition string `json:"definition"`

	// Publisher is the sender of the originating transaction
	Publisher common.Address `json:"publisher"`

	// BlockNumber, LogIndex and Timestamp locate the registration on chain
	BlockNumber uint64 `json:"blockNumber"`
	LogIndex    uint   `json:"logIndex"`
	Timestamp   uint64 `json:"timestamp"`

	// OriginTxHash is the hash of the registering transaction
	OriginTxHash common.Hash `json:"originTxHash"`

	// ParentID optionally references another record; immutable once set
	ParentID *common.Hash `json:"parentId,omitempty"`

	IsPublic bool `json:"isPublic"`

	// Metadata is an open map (usage count, tags, description, versions)
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Bookkeeping, unix seconds. EnrichedAt is 0 until enrichment succeeded.
	CreatedAt  int64 `json:"createdAt"`
	UpdatedAt  int64 `json:"updatedAt"`
	EnrichedAt int64 `json:"enrichedAt,omitempty"`
}

// NeedsEnrichment reports whether descriptive fields are still missing.
func (r *Record) NeedsEnrichment() bool {
	return r.Name == "" || r.Definition == ""
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.ParentID != nil {
		parent := *r.ParentID
		c.ParentID = &parent
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// IndexerProgress is the per-network checkpoint shared by every scan path.
type IndexerProgress struct {
	Network           string `json:"network"`
	LastScannedHeight uint64 `json:"lastScannedHeight"`
	LastSyncTime      int64  `json:"lastSyncTime"`
	TotalIndexed      uint64 `json:"totalIndexed"`
	Healthy           bool   `json:"healthy"`
}

// ProgressUpdate is a partial update of IndexerProgress. Nil fields are left
// untouched. LastScannedHeight never moves backwards.
type ProgressUpdate struct {
	LastScannedHeight *uint64
	LastSyncTime      *time.Time
	Healthy           *bool
}

// ScannedThrough builds the update written after a successful window or
// poll batch.
func ScannedThrough(height uint64, now time.Time) ProgressUpdate {
	healthy := true
	return ProgressUpdate{
		LastScannedHeight: &height,
		LastSyncTime:      &now,
		Healthy:           &healthy,
	}
}

// HealthUpdate builds an update that only flips the health flag.
func HealthUpdate(healthy bool) ProgressUpdate {
	return ProgressUpdate{Healthy: &healthy}
}

// Apply merges the update into p.
func (u ProgressUpdate) Apply(p *IndexerProgress) {
	if u.LastScannedHeight != nil && *u.LastScannedHeight > p.LastScannedHeight {
		p.LastScannedHeight = *u.LastScannedHeight
	}
	if u.LastSyncTime != nil {
		p.LastSyncTime = u.LastSyncTime.Unix()
	}
	if u.Healthy != nil {
		p.Healthy = *u.Healthy
	}
}

// PublisherStats is the aggregated per-publisher view kept on insert.
type PublisherStats struct {
	Publisher common.Address `json:"publisher"`
	Count     uint64         `json:"count"`
	FirstSeen uint64         `json:"firstSeen"`
	LastSeen  uint64         `json:"lastSeen"`
}

// Observe folds a newly inserted record into the stats.
func (s *PublisherStats) Observe(r *Record) {
	if s.Count == 0 || r.Timestamp < s.FirstSeen {
		s.FirstSeen = r.Timestamp
	}
	if r.Timestamp > s.LastSeen {
		s.LastSeen = r.Timestamp
	}
	s.Count++
}

// Stats summarizes the record set.
type Stats struct {
	TotalRecords      uint64           `json:"totalRecords"`
	EnrichedRecords   uint64           `json:"enrichedRecords"`
	PendingEnrichment uint64           `json:"pendingEnrichment"`
	PublicRecords     uint64           `json:"publicRecords"`
	Publishers        uint64           `json:"publishers"`
	Progress          *IndexerProgress `json:"progress,omitempty"`
}

// EventLog is a registry log as returned by the ledger client.
type EventLog struct {
	ID          common.Hash `json:"id"`
	BlockNumber uint64      `json:"blockNumber"`
	TxHash      common.Hash `json:"transactionHash"`
	LogIndex    uint        `json:"logIndex"`
	Removed     bool        `json:"removed,omitempty"`
}

// BlockInfo carries the block fields the pipeline needs.
type BlockInfo struct {
	Number    uint64      `json:"number"`
	Hash      common.Hash `json:"hash"`
	Timestamp uint64      `json:"timestamp"`
}

// TxInfo carries the transaction fields the pipeline needs.
type TxInfo struct {
	Hash common.Hash    `json:"hash"`
	From common.Address `json:"from"`
}
