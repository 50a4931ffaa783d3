package permissions

import (
	"encoding/json"
	"fmt"

	"github.com/gridlet-dev/gridlet-host/domain/entities"
)

// decodeTable parses a persisted grant table, upgrading the legacy v1 format
// (a flat list of permission names per extension, each implying a simple
// boolean grant) to the structured v2 format. The transform is pure and runs
// once when the record is loaded; the upgraded form is what gets persisted
// afterwards.
func decodeTable(raw string) (*entities.GrantTable, error) {
	if raw == "" {
		return entities.NewGrantTable(), nil
	}

	var versioned struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal([]byte(raw), &versioned); err != nil {
		return nil, fmt.Errorf("parse grant table: %w", err)
	}

	if versioned.Version >= entities.GrantTableVersion {
		var table entities.GrantTable
		if err := json.Unmarshal([]byte(raw), &table); err != nil {
			return nil, fmt.Errorf("parse grant table: %w", err)
		}
		if table.Extensions == nil {
			table.Extensions = make(map[string]entities.GrantRecord)
		}
		return &table, nil
	}

	// Legacy layout: {"<extensionId>": ["permA", "permB"], ...}.
	var legacy map[string][]string
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		return nil, fmt.Errorf("parse legacy grant table: %w", err)
	}
	return upgradeLegacy(legacy), nil
}

func upgradeLegacy(legacy map[string][]string) *entities.GrantTable {
	table := entities.NewGrantTable()
	for extensionID, names := range legacy {
		rec := table.Record(extensionID)
		for _, name := range names {
			rec[name] = entities.Grant{Allowed: true}
		}
	}
	return table
}

func encodeTable(table *entities.GrantTable) (string, error) {
	data, err := json.Marshal(table)
	if err != nil {
		return "", fmt.Errorf("marshal grant table: %w", err)
	}
	return string(data), nil
}
