package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridlet-dev/gridlet-host/domain/entities"
)

func TestDecodeTable(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, table *entities.GrantTable)
	}{
		{
			name: "empty input yields empty current-version table",
			raw:  "",
			check: func(t *testing.T, table *entities.GrantTable) {
				assert.Equal(t, entities.GrantTableVersion, table.Version)
				assert.Empty(t, table.Extensions)
			},
		},
		{
			name: "v2 table parses as-is",
			raw:  `{"version": 2, "extensions": {"acme.ext": {"storage": true, "network": {"mode": "full"}}}}`,
			check: func(t *testing.T, table *entities.GrantTable) {
				rec := table.Extensions["acme.ext"]
				assert.True(t, rec["storage"].Allowed)
				assert.Equal(t, map[string]any{"mode": "full"}, rec["network"].Scope)
			},
		},
		{
			name: "v2 table with null extensions",
			raw:  `{"version": 2, "extensions": null}`,
			check: func(t *testing.T, table *entities.GrantTable) {
				assert.NotNil(t, table.Extensions)
			},
		},
		{
			name: "legacy flat lists upgrade to boolean grants",
			raw:  `{"acme.a": ["sheet.read"], "acme.b": ["storage", "ui.panels"]}`,
			check: func(t *testing.T, table *entities.GrantTable) {
				assert.Equal(t, entities.GrantTableVersion, table.Version)
				assert.True(t, table.Extensions["acme.a"]["sheet.read"].Allowed)
				assert.True(t, table.Extensions["acme.b"]["storage"].Allowed)
				assert.True(t, table.Extensions["acme.b"]["ui.panels"].Allowed)
			},
		},
		{
			name:    "malformed json",
			raw:     `{not json`,
			wantErr: true,
		},
		{
			name:    "legacy layout with wrong value types",
			raw:     `{"acme.a": "sheet.read"}`,
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			table, err := decodeTable(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.check(t, table)
		})
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	table := entities.NewGrantTable()
	table.Record("acme.ext")["network"] = entities.Grant{
		Allowed: true,
		Scope:   map[string]any{"hosts": []any{"api.example.com"}},
	}

	raw, err := encodeTable(table)
	require.NoError(t, err)

	back, err := decodeTable(raw)
	require.NoError(t, err)
	assert.Equal(t, table.Extensions, back.Extensions)
}
