package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/sandboxd/pkg/errors"
)

func writeCSV(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func newWarmedBackend(t *testing.T) *Backend {
	t.Helper()
	dir := t.TempDir()
	writeCSV(t, dir, "customers.csv", "id,name,region\n1,Acme,west\n2,Globex,east\n3,Initech,west\n")

	b := NewBackend(map[string]interface{}{
		"databases": map[string]interface{}{"sales": dir},
	})
	require.NoError(t, b.Warmup(context.Background()))
	return b
}

func TestBackendRequiresWarmupBeforeUse(t *testing.T) {
	t.Parallel()
	b := NewBackend(map[string]interface{}{"databases": map[string]interface{}{}})

	_, err := b.toolListDatabases(context.Background(), nil)
	require.Error(t, err)

	var sbErr *errors.Error
	require.ErrorAs(t, err, &sbErr)
	assert.True(t, errors.IsBackendNotInitialized(sbErr))
}

func TestToolListDatabasesReturnsSortedIDs(t *testing.T) {
	t.Parallel()
	b := newWarmedBackend(t)

	result, err := b.toolListDatabases(context.Background(), nil)
	require.NoError(t, err)

	data := result.(map[string]interface{})
	assert.Equal(t, []string{"sales"}, data["databases"])
}

func TestToolGetSchemaReportsColumnsAndRowCount(t *testing.T) {
	t.Parallel()
	b := newWarmedBackend(t)

	result, err := b.toolGetSchema(context.Background(), map[string]interface{}{"db_id": "sales"})
	require.NoError(t, err)

	data := result.(map[string]interface{})
	schema := data["schema"].(map[string]interface{})
	customers := schema["customers"].(map[string]interface{})
	assert.Equal(t, []string{"id", "name", "region"}, customers["columns"])
	assert.Equal(t, 3, customers["row_count"])
}

func TestToolExecuteFiltersProjectsAndLimits(t *testing.T) {
	t.Parallel()
	b := newWarmedBackend(t)

	result, err := b.toolExecute(context.Background(), map[string]interface{}{
		"db_id":   "sales",
		"table":   "customers",
		"columns": []interface{}{"name"},
		"where":   map[string]interface{}{"region": "west"},
		"limit":   float64(1),
	})
	require.NoError(t, err)

	data := result.(map[string]interface{})
	rows := data["rows"].([][]string)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"Acme"}, rows[0])
	assert.Equal(t, true, data["truncated"])
}

func TestToolExecuteUnknownTableIsInvalidInput(t *testing.T) {
	t.Parallel()
	b := newWarmedBackend(t)

	_, err := b.toolExecute(context.Background(), map[string]interface{}{
		"db_id": "sales",
		"table": "missing",
	})
	require.Error(t, err)

	var sbErr *errors.Error
	require.ErrorAs(t, err, &sbErr)
	assert.True(t, errors.IsInvalidInput(sbErr))
}
