package enricher

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// RegistryABI describes the registry read method used for enrichment
const RegistryABI = `[
	{
		"inputs": [{"internalType": "bytes32", "name": "schemaId", "type": "bytes32"}],
		"name": "getSchema",
		"outputs": [
			{"internalType": "string", "name": "name", "type": "string"},
			{"internalType": "string", "name": "definition", "type": "string"},
			{"internalType": "bytes32", "name": "parentId", "type": "bytes32"},
			{"internalType": "bool", "name": "isPublic", "type": "bool"},
			{"internalType": "string", "name": "description", "type": "string"},
			{"internalType": "string[]", "name": "tags", "type": "string[]"},
			{"internalType": "uint256", "name": "usageCount", "type": "uint256"},
			{"internalType": "string", "name": "version", "type": "string"}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

const getSchemaMethod = "getSchema"

// Metadata keys written by enrichment
const (
	MetaDescription = "description"
	MetaTags        = "tags"
	MetaUsageCount  = "usageCount"
	MetaVersion     = "version"
)

// SchemaInfo is the decoded getSchema result
type SchemaInfo struct {
	Name        string
	Definition  string
	ParentID    common.Hash
	IsPublic    bool
	Description string
	Tags        []string
	UsageCount  *big.Int
	Version     string
}

func parseRegistryABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse ABI: %w", err)
	}
	return parsed, nil
}

func decodeSchema(parsed abi.ABI, data []byte) (*SchemaInfo, error) {
	values, err := parsed.Unpack(getSchemaMethod, data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getSchema result: %w", err)
	}
	if len(values) != 8 {
		return nil, fmt.Errorf("failed to unpack getSchema result: got %d values", len(values))
	}

	info := &SchemaInfo{}
	var ok bool
	if info.Name, ok = values[0].(string); !ok {
		return nil, fmt.Errorf("unexpected type %T for name", values[0])
	}
	if info.Definition, ok = values[1].(string); !ok {
		return nil, fmt.Errorf("unexpected type %T for definition", values[1])
	}
	parent, ok := values[2].([32]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected type %T for parentId", values[2])
	}
	info.ParentID = common.Hash(parent)
	if info.IsPublic, ok = values[3].(bool); !ok {
		return nil, fmt.Errorf("unexpected type %T for isPublic", values[3])
	}
	if info.Description, ok = values[4].(string); !ok {
		return nil, fmt.Errorf("unexpected type %T for description", values[4])
	}
	if info.Tags, ok = values[5].([]string); !ok {
		return nil, fmt.Errorf("unexpected type %T for tags", values[5])
	}
	if info.UsageCount, ok = values[6].(*big.Int); !ok {
		return nil, fmt.Errorf("unexpected type %T for usageCount", values[6])
	}
	if info.Version, ok = values[7].(string); !ok {
		return nil, fmt.Errorf("unexpected type %T for version", values[7])
	}
	return info, nil
}

// metadata returns the open metadata fields of the schema.
func (s *SchemaInfo) metadata() map[string]interface{} {
	m := make(map[string]interface{}, 4)
	if s.Description != "" {
		m[MetaDescription] = s.Description
	}
	if len(s.Tags) > 0 {
		m[MetaTags] = s.Tags
	}
	if s.UsageCount != nil {
		if s.UsageCount.IsUint64() {
			m[MetaUsageCount] = s.UsageCount.Uint64()
		} else {
			m[MetaUsageCount] = s.UsageCount.String()
		}
	}
	if s.Version != "" {
		m[MetaVersion] = s.Version
	}
	return m
}
