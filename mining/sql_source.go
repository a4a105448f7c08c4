package mining

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/maxpert/redoflow/redo"
	"github.com/rs/zerolog/log"
)

// DefaultFetchSize is the number of rows read per query round trip
const DefaultFetchSize = 1000

// Operation names in the contents relation
var operations = map[string]struct {
	op     redo.OpKind
	marker redo.Marker
}{
	"INSERT":   {op: redo.OpInsert},
	"UPDATE":   {op: redo.OpUpdate},
	"DELETE":   {op: redo.OpDelete},
	"DDL":      {op: redo.OpDDL},
	"COMMIT":   {marker: redo.MarkerCommit},
	"ROLLBACK": {marker: redo.MarkerRollback},
}

// Other operations (START, INTERNAL, ...) are never read
var operationNames = []interface{}{"INSERT", "UPDATE", "DELETE", "DDL", "COMMIT", "ROLLBACK"}

// SQLSourceConfig names the relations a SQLSource reads
type SQLSourceConfig struct {
	Dialect          string // goqu dialect: "sqlite3" or "mysql"
	ContentsRelation string
	LogFilesRelation string
	IdentityRelation string
	FetchSize        int
}

// SQLSource mines redo exposed as relations of a SQL database: a contents
// relation with one row per change or marker, a log files relation listing
// redo files with their LSN ranges, and a single-row identity relation.
type SQLSource struct {
	raw    *sql.DB
	db     *goqu.Database
	config SQLSourceConfig
}

type logFileRow struct {
	Seq      int64  `db:"log_seq"`
	FirstLSN uint64 `db:"first_lsn"`
	NextLSN  uint64 `db:"next_lsn"`
	Bytes    int64  `db:"bytes"`
}

type contentRow struct {
	LSN       uint64         `db:"lsn"`
	RecordID  uint64         `db:"rec_id"`
	SubSeq    uint32         `db:"sub_seq"`
	Xid       string         `db:"xid"`
	ConID     uint32         `db:"con_id"`
	ObjID     uint32         `db:"obj_id"`
	Operation string         `db:"operation"`
	SQLRedo   sql.NullString `db:"sql_redo"`
	SQLUndo   sql.NullString `db:"sql_undo"`
	TS        int64          `db:"ts"`
}

type identityRow struct {
	DBID     uint64 `db:"dbid"`
	Name     string `db:"name"`
	Instance string `db:"instance"`
	Host     string `db:"host"`
}

// NewSQLSource wraps an open database handle
func NewSQLSource(db *sql.DB, config SQLSourceConfig) (*SQLSource, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if config.ContentsRelation == "" || config.LogFilesRelation == "" || config.IdentityRelation == "" {
		return nil, fmt.Errorf("contents, log files and identity relations are required")
	}
	if config.FetchSize <= 0 {
		config.FetchSize = DefaultFetchSize
	}

	return &SQLSource{
		raw:    db,
		db:     goqu.Dialect(config.Dialect).DB(db),
		config: config,
	}, nil
}

// Identity implements Source
func (s *SQLSource) Identity(ctx context.Context) (redo.DatabaseIdentity, error) {
	var row identityRow
	found, err := s.db.From(s.config.IdentityRelation).Prepared(true).ScanStructContext(ctx, &row)
	if err != nil {
		return redo.DatabaseIdentity{}, fmt.Errorf("failed to read database identity: %w", err)
	}
	if !found {
		return redo.DatabaseIdentity{}, fmt.Errorf("identity relation %s is empty", s.config.IdentityRelation)
	}
	return redo.DatabaseIdentity{DBID: row.DBID, Name: row.Name, Instance: row.Instance, Host: row.Host}, nil
}

// EarliestPosition implements Source
func (s *SQLSource) EarliestPosition(ctx context.Context) (redo.Position, error) {
	var first sql.NullInt64
	_, err := s.db.From(s.config.LogFilesRelation).
		Select(goqu.MIN("first_lsn")).
		Prepared(true).
		ScanValContext(ctx, &first)
	if err != nil {
		return redo.Position{}, fmt.Errorf("failed to read earliest log position: %w", err)
	}
	if !first.Valid {
		return redo.Position{}, nil
	}
	return redo.Position{LSN: uint64(first.Int64)}, nil
}

// Open implements Source
func (s *SQLSource) Open(ctx context.Context, after redo.Position, limits SessionLimits) (Session, error) {
	// Files are counted from the one holding the next row, so a session
	// never ends up covering only rows that were already mined
	var head contentRow
	found, err := s.db.From(s.config.ContentsRelation).
		Where(goqu.C("operation").In(operationNames...), positionAfter(after)).
		Order(goqu.C("lsn").Asc(), goqu.C("rec_id").Asc(), goqu.C("sub_seq").Asc()).
		Prepared(true).
		ScanStructContext(ctx, &head)
	if err != nil {
		return nil, fmt.Errorf("failed to find next redo row after %s: %w", after, err)
	}
	if !found {
		return &sqlSession{done: true}, nil
	}

	var files []logFileRow
	err = s.db.From(s.config.LogFilesRelation).
		Where(goqu.C("next_lsn").Gt(head.LSN)).
		Order(goqu.C("log_seq").Asc()).
		Prepared(true).
		ScanStructsContext(ctx, &files)
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}

	chosen := chooseFiles(files, limits)
	if len(chosen) == 0 {
		return &sqlSession{done: true}, nil
	}

	log.Debug().
		Int64("first_log", chosen[0].Seq).
		Int64("last_log", chosen[len(chosen)-1].Seq).
		Str("after", after.String()).
		Msg("Opened mining session")

	return &sqlSession{
		source: s,
		after:  after,
		upper:  chosen[len(chosen)-1].NextLSN,
	}, nil
}

// chooseFiles applies session limits; the first file is always taken
func chooseFiles(files []logFileRow, limits SessionLimits) []logFileRow {
	var size int64
	for i, f := range files {
		if i > 0 {
			if limits.MaxFiles > 0 && i >= limits.MaxFiles {
				return files[:i]
			}
			if limits.MaxBytes > 0 && size+f.Bytes > limits.MaxBytes {
				return files[:i]
			}
		}
		size += f.Bytes
	}
	return files
}

// Close implements Source
func (s *SQLSource) Close() error {
	return s.raw.Close()
}

// sqlSession pages through the contents relation with keyset pagination,
// bounded above by the end LSN of the session's last file.
type sqlSession struct {
	source *SQLSource
	after  redo.Position
	upper  uint64
	page   []contentRow
	next   int
	done   bool
}

func (s *sqlSession) Next(ctx context.Context) (redo.Row, error) {
	if s.next >= len(s.page) {
		if s.done {
			return redo.Row{}, io.EOF
		}
		if err := s.fetch(ctx); err != nil {
			return redo.Row{}, err
		}
		if len(s.page) == 0 {
			s.done = true
			return redo.Row{}, io.EOF
		}
	}

	row := s.page[s.next]
	s.next++
	s.after = redo.Position{LSN: row.LSN, RecordID: row.RecordID, SubSeq: row.SubSeq}
	return row.toRow(), nil
}

func (s *sqlSession) fetch(ctx context.Context) error {
	s.page = nil
	s.next = 0
	err := s.source.db.From(s.source.config.ContentsRelation).
		Where(
			goqu.C("lsn").Lt(s.upper),
			goqu.C("operation").In(operationNames...),
			positionAfter(s.after),
		).
		Order(goqu.C("lsn").Asc(), goqu.C("rec_id").Asc(), goqu.C("sub_seq").Asc()).
		Limit(uint(s.source.config.FetchSize)).
		Prepared(true).
		ScanStructsContext(ctx, &s.page)
	if err != nil {
		return fmt.Errorf("failed to read redo contents after %s: %w", s.after, err)
	}

	// A short page is the last one
	if len(s.page) < s.source.config.FetchSize {
		s.done = true
	}
	return nil
}

// positionAfter builds (lsn, rec_id, sub_seq) > p
func positionAfter(p redo.Position) exp.Expression {
	return goqu.Or(
		goqu.C("lsn").Gt(p.LSN),
		goqu.And(goqu.C("lsn").Eq(p.LSN), goqu.C("rec_id").Gt(p.RecordID)),
		goqu.And(goqu.C("lsn").Eq(p.LSN), goqu.C("rec_id").Eq(p.RecordID), goqu.C("sub_seq").Gt(p.SubSeq)),
	)
}

func (s *sqlSession) Close() error {
	s.page = nil
	return nil
}

func (r contentRow) toRow() redo.Row {
	kind := operations[r.Operation]
	row := redo.Row{
		Position: redo.Position{LSN: r.LSN, RecordID: r.RecordID, SubSeq: r.SubSeq},
		Xid:      r.Xid,
		Op:       kind.op,
		Marker:   kind.marker,
	}
	if r.TS > 0 {
		row.Timestamp = time.UnixMilli(r.TS)
	}
	if kind.marker == redo.MarkerNone {
		row.Table = redo.TableID{Container: r.ConID, Object: r.ObjID}
		row.Payload = redo.Payload{Redo: r.SQLRedo.String, Undo: r.SQLUndo.String}
	}
	return row
}
