package pipeline

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/maxpert/redoflow/cfg"
	"github.com/maxpert/redoflow/checkpoint"
	"github.com/maxpert/redoflow/dictionary"
	"github.com/maxpert/redoflow/mining"
	"github.com/maxpert/redoflow/redo"
	"github.com/maxpert/redoflow/scope"
	"github.com/maxpert/redoflow/txbuf"
)

// identitySuffix names the single-row identity relation next to the catalog
const identitySuffix = "database"

// FromConfig builds a pipeline over the configured SQL source. The source
// owns the database handle and closes it on Stop.
func FromConfig(c *cfg.Configuration, runID string) (*Pipeline, error) {
	db, err := sql.Open(c.Source.Driver, c.Source.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open source database: %w", err)
	}

	source, err := mining.NewSQLSource(db, mining.SQLSourceConfig{
		Dialect:          c.Source.Driver,
		ContentsRelation: c.Source.ContentsRelation,
		LogFilesRelation: c.Source.LogFilesRelation,
		IdentityRelation: c.Source.DictionaryPrefix + identitySuffix,
		FetchSize:        c.Source.FetchSize,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	filter, err := scope.NewGlobFilter(c.Scope.Include, c.Scope.Exclude)
	if err != nil {
		db.Close()
		return nil, err
	}

	store, err := checkpoint.NewStore(c.Checkpoint.Path, c.Checkpoint.KeepBackups)
	if err != nil {
		db.Close()
		return nil, err
	}

	var start *redo.Position
	if c.Checkpoint.StartPosition != "" {
		pos, err := redo.ParsePosition(c.Checkpoint.StartPosition)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("invalid start position: %w", err)
		}
		start = &pos
	}

	return New(Options{
		Source:     source,
		Resolver:   dictionary.NewSQLResolver(db, c.Source.Driver, c.Source.DictionaryPrefix),
		Filter:     filter,
		Store:      store,
		Schema:     redo.SchemaKind(c.Delivery.SchemaKind),
		TopicParam: c.Delivery.Topic,
		SpillDir:   c.Buffer.SpillDir,
		Compress:   c.Buffer.Compress,
		BufferLimits: txbuf.Limits{
			MemoryStatements: c.Buffer.MemoryStatements,
			MemoryBytes:      c.Buffer.MemoryBytes,
		},
		SessionLimits: mining.SessionLimits{
			MaxBytes: c.Source.RedoSizeThreshold,
			MaxFiles: c.Source.RedoFilesCount,
		},
		PollInterval:  c.Source.PollInterval(),
		PollTimeout:   c.Delivery.PollTimeout(),
		StartPosition: start,
		NodeID:        c.NodeID,
		RunID:         runID,
	})
}
