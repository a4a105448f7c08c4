// Package decoder turns the redo SQL carried by a statement into column values.
package decoder

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/redoflow/redo"
	"github.com/rqlite/sql"
)

// ErrUndecodable is returned when redo SQL cannot be parsed or has an unexpected shape
var ErrUndecodable = errors.New("undecodable redo statement")

// Cache size for parsed redo statements
const statementCacheSize = 4096

// rowIDColumn is appended by the source to identify the physical row
const rowIDColumn = "ROWID"

// Change is the decoded form of one statement
type Change struct {
	Before map[string]any
	After  map[string]any
	DDL    string
}

// Decoder decodes statements of a known table
type Decoder interface {
	Decode(meta *redo.TableMetadata, stmt redo.Statement) (Change, error)
}

// RedoSQL decodes redo SQL of the form
//
//	insert into "OWNER"."TABLE"("C1","C2") values ('1',NULL);
//	update "OWNER"."TABLE" set "C2" = 'x' where "C1" = '1' and ROWID = '...';
//	delete from "OWNER"."TABLE" where "C1" = '1' and "C2" = 'x';
//
// Update before-images hold the columns named in the where clause.
type RedoSQL struct {
	cache *lru.Cache[uint64, sql.Statement]
}

// NewRedoSQL creates a decoder with a parsed statement cache
func NewRedoSQL() (*RedoSQL, error) {
	cache, err := lru.New[uint64, sql.Statement](statementCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create statement cache: %w", err)
	}
	return &RedoSQL{cache: cache}, nil
}

// Decode implements Decoder
func (d *RedoSQL) Decode(meta *redo.TableMetadata, stmt redo.Statement) (Change, error) {
	if stmt.Op == redo.OpDDL {
		return Change{DDL: strings.TrimSuffix(strings.TrimSpace(stmt.Payload.Redo), ";")}, nil
	}

	parsed, err := d.parse(stmt.Payload.Redo)
	if err != nil {
		return Change{}, err
	}

	switch s := parsed.(type) {
	case *sql.InsertStatement:
		if stmt.Op != redo.OpInsert {
			return Change{}, fmt.Errorf("%w: insert SQL for %s", ErrUndecodable, stmt.Op)
		}
		after, err := insertValues(meta, s)
		if err != nil {
			return Change{}, err
		}
		return Change{After: after}, nil

	case *sql.UpdateStatement:
		if stmt.Op != redo.OpUpdate {
			return Change{}, fmt.Errorf("%w: update SQL for %s", ErrUndecodable, stmt.Op)
		}
		before := make(map[string]any)
		collectConditions(meta, s.WhereExpr, before)

		after := make(map[string]any, len(before)+len(s.Assignments))
		for k, v := range before {
			after[k] = v
		}
		for _, a := range s.Assignments {
			for _, col := range a.Columns {
				if keep(meta, col.Name) {
					after[col.Name] = literal(a.Expr)
				}
			}
		}
		return Change{Before: before, After: after}, nil

	case *sql.DeleteStatement:
		if stmt.Op != redo.OpDelete {
			return Change{}, fmt.Errorf("%w: delete SQL for %s", ErrUndecodable, stmt.Op)
		}
		before := make(map[string]any)
		collectConditions(meta, s.WhereExpr, before)
		return Change{Before: before}, nil
	}

	return Change{}, fmt.Errorf("%w: unsupported statement %T", ErrUndecodable, parsed)
}

func (d *RedoSQL) parse(text string) (sql.Statement, error) {
	text = strings.TrimSuffix(strings.TrimSpace(text), ";")
	hash := xxhash.Sum64String(text)
	if cached, ok := d.cache.Get(hash); ok {
		return cached, nil
	}

	parsed, err := sql.NewParser(strings.NewReader(text)).ParseStatement()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	d.cache.Add(hash, parsed)
	return parsed, nil
}

func insertValues(meta *redo.TableMetadata, s *sql.InsertStatement) (map[string]any, error) {
	if len(s.ValueLists) != 1 {
		return nil, fmt.Errorf("%w: expected one value list, got %d", ErrUndecodable, len(s.ValueLists))
	}
	values := s.ValueLists[0].Exprs
	if len(values) != len(s.Columns) {
		return nil, fmt.Errorf("%w: %d columns but %d values", ErrUndecodable, len(s.Columns), len(values))
	}

	out := make(map[string]any, len(values))
	for i, col := range s.Columns {
		if keep(meta, col.Name) {
			out[col.Name] = literal(values[i])
		}
	}
	return out, nil
}

// collectConditions gathers "col = value" and "col IS NULL" terms of an AND chain
func collectConditions(meta *redo.TableMetadata, expr sql.Expr, out map[string]any) {
	switch e := expr.(type) {
	case *sql.ParenExpr:
		collectConditions(meta, e.X, out)
	case *sql.BinaryExpr:
		switch e.Op {
		case sql.AND:
			collectConditions(meta, e.X, out)
			collectConditions(meta, e.Y, out)
		case sql.EQ, sql.IS:
			if ident, ok := e.X.(*sql.Ident); ok && keep(meta, ident.Name) {
				out[ident.Name] = literal(e.Y)
			}
		}
	}
}

// keep drops ROWID and, when the table's columns are known, anything else
func keep(meta *redo.TableMetadata, column string) bool {
	if strings.EqualFold(column, rowIDColumn) {
		return false
	}
	if meta == nil || len(meta.Columns) == 0 {
		return true
	}
	_, ok := meta.Column(column)
	return ok
}

// literal converts a value expression. Function calls such as TO_DATE(...)
// are kept as their SQL text.
func literal(expr sql.Expr) any {
	switch e := expr.(type) {
	case *sql.NullLit:
		return nil
	case *sql.StringLit:
		return e.Value
	case *sql.NumberLit:
		if i, err := strconv.ParseInt(e.Value, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(e.Value, 64); err == nil {
			return f
		}
		return e.Value
	case *sql.UnaryExpr:
		if e.Op == sql.MINUS {
			if n, ok := e.X.(*sql.NumberLit); ok {
				return literal(&sql.NumberLit{Value: "-" + n.Value})
			}
		}
	}
	return expr.String()
}
