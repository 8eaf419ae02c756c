package wiring

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yasunoritani/manxo-bridge/internal/config"
)

func TestExportSchemaRoundTrips(t *testing.T) {
	out, err := ExportSchema()
	require.NoError(t, err)

	var schemas []MethodSchema
	require.NoError(t, json.Unmarshal(out, &schemas))
	require.Equal(t, len(methodSchemas()), len(schemas))

	for _, s := range schemas {
		assert.NotEmpty(t, s.Method)
		assert.NotEmpty(t, s.Result, "method %s declares no result shape", s.Method)
	}
}

func TestMethodCatalogueHasNoDuplicates(t *testing.T) {
	seen := make(map[string]bool)
	for _, name := range methodCatalogue() {
		assert.False(t, seen[name], "method %s listed twice", name)
		seen[name] = true
	}

	// Every catalogued method must be covered by the access policy at
	// level full, or handleL2Frame would deny it before dispatch.
	for name := range seen {
		assert.NoError(t, checkAccess(config.AccessFull, name), "method %s missing from the access policy", name)
	}
}
