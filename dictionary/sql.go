package dictionary

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/maxpert/redoflow/redo"
	"github.com/rs/zerolog/log"
)

type tableRow struct {
	ConID     uint32 `db:"con_id"`
	ObjID     uint32 `db:"obj_id"`
	Container string `db:"con_name"`
	Owner     string `db:"owner"`
	Name      string `db:"table_name"`
}

type columnRow struct {
	Name     string `db:"column_name"`
	Type     string `db:"data_type"`
	Nullable bool   `db:"nullable"`
	IsPK     bool   `db:"is_pk"`
	Position int    `db:"column_id"`
}

// SQLResolver reads table metadata from catalog relations named
// {prefix}tables and {prefix}columns.
type SQLResolver struct {
	db      *goqu.Database
	tables  string
	columns string
}

// NewSQLResolver creates a resolver over db using the goqu dialect name
func NewSQLResolver(db *sql.DB, dialect, prefix string) *SQLResolver {
	return &SQLResolver{
		db:      goqu.Dialect(dialect).DB(db),
		tables:  prefix + "tables",
		columns: prefix + "columns",
	}
}

// ResolveTable implements Resolver
func (r *SQLResolver) ResolveTable(ctx context.Context, id redo.TableID) (*redo.TableMetadata, error) {
	key := goqu.Ex{"con_id": id.Container, "obj_id": id.Object}

	var table tableRow
	found, err := r.db.From(r.tables).Where(key).Prepared(true).ScanStructContext(ctx, &table)
	if err != nil {
		return nil, fmt.Errorf("failed to read table %s: %w", id, err)
	}
	if !found {
		return nil, ErrTableNotFound
	}

	var columns []columnRow
	err = r.db.From(r.columns).
		Where(key).
		Order(goqu.C("column_id").Asc()).
		Prepared(true).
		ScanStructsContext(ctx, &columns)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s.%s: %w", table.Owner, table.Name, err)
	}

	meta := &redo.TableMetadata{
		ID:        id,
		Container: table.Container,
		Owner:     table.Owner,
		Name:      table.Name,
		Columns:   make([]redo.Column, 0, len(columns)),
	}
	for _, c := range columns {
		meta.Columns = append(meta.Columns, redo.Column{
			Name:     c.Name,
			Type:     c.Type,
			Nullable: c.Nullable,
			IsPK:     c.IsPK,
		})
		if c.IsPK {
			meta.PrimaryKey = append(meta.PrimaryKey, c.Name)
		}
	}

	log.Debug().
		Str("table", meta.FullName()).
		Int("columns", len(meta.Columns)).
		Strs("pk", meta.PrimaryKey).
		Msg("Resolved table metadata")

	return meta, nil
}
