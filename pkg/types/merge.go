package types

import "github.com/ethereum/go-ethereum/common"

// MergeRecord merges incoming over existing and returns the result. Neither
// argument is modified.
//
// Immutable fields keep the first non-zero value seen. Name and Definition
// take any non-empty incoming value, so a minimal record written by the
// real-time path can later be completed by enrichment without losing data.
// IsPublic only follows an incoming record that carries enrichment.
func MergeRecord(existing, incoming *Record, now int64) *Record {
	if existing == nil {
		out := incoming.Clone()
		if out.CreatedAt == 0 {
			out.CreatedAt = now
		}
		out.UpdatedAt = now
		return out
	}

	out := existing.Clone()
	if incoming == nil {
		return out
	}

	if out.Publisher == (common.Address{}) {
		out.Publisher = incoming.Publisher
	}
	if out.BlockNumber == 0 {
		out.BlockNumber = incoming.BlockNumber
		out.LogIndex = incoming.LogIndex
	}
	if out.Timestamp == 0 {
		out.Timestamp = incoming.Timestamp
	}
	if out.OriginTxHash == (common.Hash{}) {
		out.OriginTxHash = incoming.OriginTxHash
	}
	if out.ParentID == nil && incoming.ParentID != nil {
		parent := *incoming.ParentID
		out.ParentID = &parent
	}

	if incoming.Name != "" {
		out.Name = incoming.Name
	}
	if incoming.Definition != "" {
		out.Definition = incoming.Definition
	}
	if incoming.EnrichedAt != 0 {
		out.IsPublic = incoming.IsPublic
		if incoming.EnrichedAt > out.EnrichedAt {
			out.EnrichedAt = incoming.EnrichedAt
		}
	}

	for k, v := range incoming.Metadata {
		if v == nil {
			continue
		}
		if out.Metadata == nil {
			out.Metadata = make(map[string]interface{}, len(incoming.Metadata))
		}
		out.Metadata[k] = v
	}

	if out.CreatedAt == 0 {
		out.CreatedAt = now
	}
	out.UpdatedAt = now
	return out
}
