// Package database implements the "database" resource backend: a read-only
// tabular query surface over CSV-backed tables, grounded on the reference
// implementation's sqlite-backed database.py but narrowed to CSV tables
// and a small structured query shape, since no SQL driver dependency was
// available to wire a real SQL engine (see DESIGN.md).
package database

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/stacklok/sandboxd/pkg/errors"
	"github.com/stacklok/sandboxd/pkg/registry"
)

// table is one loaded CSV table: its header and rows, kept in memory for
// the lifetime of the backend.
type table struct {
	header []string
	rows   [][]string
}

// Set is the shared handle every worker's "database" session resolves to:
// every configured database's tables, keyed by database id then table name.
type Set struct {
	mu  sync.RWMutex
	dbs map[string]map[string]*table
}

func newSet() *Set {
	return &Set{dbs: make(map[string]map[string]*table)}
}

func (s *Set) databases() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.dbs))
	for id := range s.dbs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Set) tables(dbID string) (map[string]*table, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tbls, ok := s.dbs[dbID]
	return tbls, ok
}

// loadDatabase scans dir for *.csv files, loading each as a table named
// after its filename without extension.
func (s *Set) loadDatabase(dbID, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("database: read dir %s: %w", dir, err)
	}
	tbls := make(map[string]*table)
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".csv") {
			continue
		}
		tbl, err := loadTable(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		tbls[name] = tbl
	}
	s.mu.Lock()
	s.dbs[dbID] = tbls
	s.mu.Unlock()
	return nil
}

func loadTable(path string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("database: %s has no header row: %w", path, err)
	}
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("database: %s: %w", path, err)
	}
	return &table{header: header, rows: rows}, nil
}

// Backend is the CSV-table database resource backend. It implements
// backend.Backend, backend.Warmer, and backend.SessionInitializer.
type Backend struct {
	databases map[string]string // db_id -> directory of CSV files
	set       *Set
}

// NewBackend builds a database backend. config's "databases" key maps a
// database id to a directory of CSV files, each file a table.
func NewBackend(config map[string]interface{}) *Backend {
	b := &Backend{databases: make(map[string]string)}
	if raw, ok := config["databases"].(map[string]interface{}); ok {
		for id, v := range raw {
			if dir, ok := v.(string); ok {
				b.databases[id] = dir
			}
		}
	}
	return b
}

// Name identifies this backend's resource type.
func (b *Backend) Name() string { return "database" }

// Warmup loads every configured database's CSV tables into memory.
func (b *Backend) Warmup(_ context.Context) error {
	set := newSet()
	for id, dir := range b.databases {
		if err := set.loadDatabase(id, dir); err != nil {
			return err
		}
	}
	b.set = set
	return nil
}

// Initialize hands every worker the same shared table set.
func (b *Backend) Initialize(_ context.Context, _, _ string, _ map[string]interface{}) (interface{}, error) {
	if b.set == nil {
		return nil, errors.NewBackendNotInitializedError("database backend has not been warmed up", nil)
	}
	return b.set, nil
}

// RegisterTools registers database:list_databases, database:get_schema,
// and database:execute against reg.
func (b *Backend) RegisterTools(reg *registry.Registry) {
	reg.MustRegister("list_databases", "database", registry.Descriptor{Handler: b.toolListDatabases})
	reg.MustRegister("get_schema", "database", registry.Descriptor{Handler: b.toolGetSchema})
	reg.MustRegister("execute", "database", registry.Descriptor{Handler: b.toolExecute})
}

func (b *Backend) requireSet() (*Set, error) {
	if b.set == nil {
		return nil, errors.NewBackendNotInitializedError("database backend has not been warmed up", nil)
	}
	return b.set, nil
}

func (b *Backend) toolListDatabases(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	set, err := b.requireSet()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"databases": set.databases()}, nil
}

func (b *Backend) toolGetSchema(_ context.Context, params map[string]interface{}) (interface{}, error) {
	set, err := b.requireSet()
	if err != nil {
		return nil, err
	}
	dbID, _ := params["db_id"].(string)
	tbls, ok := set.tables(dbID)
	if !ok {
		return nil, errors.NewInvalidInputError(fmt.Sprintf("database not found: %s", dbID), nil)
	}

	var names []string
	if raw, ok := params["table_names"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				names = append(names, s)
			}
		}
	}
	if len(names) == 0 {
		for name := range tbls {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	schema := make(map[string]interface{})
	for _, name := range names {
		tbl, ok := tbls[name]
		if !ok {
			continue
		}
		schema[name] = map[string]interface{}{"columns": tbl.header, "row_count": len(tbl.rows)}
	}
	return map[string]interface{}{"db_id": dbID, "schema": schema}, nil
}

// toolExecute runs a structured read-only query against one table: an
// optional column projection, an optional equality-only WHERE clause, and
// a row limit capped at 100 — the CSV-table equivalent of the original
// tool's SELECT/PRAGMA-only sqlite query.
func (b *Backend) toolExecute(_ context.Context, params map[string]interface{}) (interface{}, error) {
	set, err := b.requireSet()
	if err != nil {
		return nil, err
	}
	dbID, _ := params["db_id"].(string)
	tableName, _ := params["table"].(string)
	tbls, ok := set.tables(dbID)
	if !ok {
		return nil, errors.NewInvalidInputError(fmt.Sprintf("database not found: %s", dbID), nil)
	}
	tbl, ok := tbls[tableName]
	if !ok {
		return nil, errors.NewInvalidInputError(fmt.Sprintf("table not found: %s", tableName), nil)
	}

	columns := tbl.header
	if raw, ok := params["columns"].([]interface{}); ok && len(raw) > 0 {
		columns = nil
		for _, v := range raw {
			if s, ok := v.(string); ok {
				columns = append(columns, s)
			}
		}
	}
	colIndex := make(map[string]int, len(tbl.header))
	for i, name := range tbl.header {
		colIndex[name] = i
	}

	where := make(map[string]string)
	if raw, ok := params["where"].(map[string]interface{}); ok {
		for k, v := range raw {
			where[k] = fmt.Sprintf("%v", v)
		}
	}

	limit := 100
	if v, ok := params["limit"].(float64); ok && v > 0 && int(v) < limit {
		limit = int(v)
	}

	var rows [][]string
	for _, row := range tbl.rows {
		if !matchesWhere(row, colIndex, where) {
			continue
		}
		rows = append(rows, projectColumns(row, colIndex, columns))
		if len(rows) >= limit {
			break
		}
	}

	return map[string]interface{}{
		"columns":   columns,
		"rows":      rows,
		"row_count": len(rows),
		"truncated": len(rows) == limit,
	}, nil
}

func matchesWhere(row []string, colIndex map[string]int, where map[string]string) bool {
	for col, want := range where {
		i, ok := colIndex[col]
		if !ok || i >= len(row) || row[i] != want {
			return false
		}
	}
	return true
}

func projectColumns(row []string, colIndex map[string]int, columns []string) []string {
	out := make([]string, len(columns))
	for i, col := range columns {
		if idx, ok := colIndex[col]; ok && idx < len(row) {
			out[i] = row[idx]
		}
	}
	return out
}
