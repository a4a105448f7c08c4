package dictionary

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/maxpert/redoflow/redo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCatalog(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	stmts := []string{
		`CREATE TABLE dict_tables (con_id INTEGER, obj_id INTEGER, con_name TEXT, owner TEXT, table_name TEXT)`,
		`CREATE TABLE dict_columns (con_id INTEGER, obj_id INTEGER, column_name TEXT, data_type TEXT, nullable INTEGER, is_pk INTEGER, column_id INTEGER)`,
		`INSERT INTO dict_tables VALUES (3, 73201, 'PDB1', 'SCOTT', 'DEPT')`,
		`INSERT INTO dict_columns VALUES (3, 73201, 'LOC', 'VARCHAR2', 1, 0, 3)`,
		`INSERT INTO dict_columns VALUES (3, 73201, 'DEPTNO', 'NUMBER', 0, 1, 1)`,
		`INSERT INTO dict_columns VALUES (3, 73201, 'DNAME', 'VARCHAR2', 1, 0, 2)`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}
	return db
}

func TestSQLResolver(t *testing.T) {
	resolver := NewSQLResolver(setupCatalog(t), "sqlite3", "dict_")
	id := redo.TableID{Container: 3, Object: 73201}

	meta, err := resolver.ResolveTable(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, id, meta.ID)
	assert.Equal(t, "PDB1:SCOTT.DEPT", meta.FullName())
	assert.Equal(t, []string{"DEPTNO"}, meta.PrimaryKey)
	require.Len(t, meta.Columns, 3)
	assert.Equal(t, "DEPTNO", meta.Columns[0].Name)
	assert.False(t, meta.Columns[0].Nullable)
	assert.Equal(t, "LOC", meta.Columns[2].Name)
	assert.True(t, meta.Columns[2].Nullable)
}

func TestSQLResolverNotFound(t *testing.T) {
	resolver := NewSQLResolver(setupCatalog(t), "sqlite3", "dict_")

	_, err := resolver.ResolveTable(context.Background(), redo.TableID{Container: 3, Object: 1})
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestStaticResolverReturnsCopies(t *testing.T) {
	id := redo.TableID{Object: 1}
	resolver := StaticResolver{id: {Owner: "SCOTT", Name: "EMP"}}

	meta, err := resolver.ResolveTable(context.Background(), id)
	require.NoError(t, err)
	meta.Topic = "changed"

	again, err := resolver.ResolveTable(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, again.Topic)
	assert.Equal(t, id, again.ID)

	_, err = resolver.ResolveTable(context.Background(), redo.TableID{Object: 2})
	assert.ErrorIs(t, err, ErrTableNotFound)
}
