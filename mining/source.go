// Package mining reads the log-mining source and assembles mined rows into
// per-transaction buffers, handing committed transactions to a ready queue
// ordered by commit position.
package mining

import (
	"context"
	"errors"

	"github.com/maxpert/redoflow/redo"
)

// ErrSourceFailed wraps any error raised by the log-mining source. It is fatal.
var ErrSourceFailed = errors.New("log-mining source failed")

// SessionLimits bound the redo covered by one mining session. A session
// always covers at least one log file; zero values disable a bound.
type SessionLimits struct {
	MaxBytes int64
	MaxFiles int
}

// Source is the log-mining collaborator
type Source interface {
	// Identity describes the database the redo belongs to
	Identity(ctx context.Context) (redo.DatabaseIdentity, error)
	// EarliestPosition returns the first position still available in the log
	EarliestPosition(ctx context.Context) (redo.Position, error)
	// Open starts a session yielding rows strictly after the given position
	Open(ctx context.Context, after redo.Position, limits SessionLimits) (Session, error)
	Close() error
}

// Session is a bounded, ordered read over whole log files. Next returns
// io.EOF at the last file boundary of the session.
type Session interface {
	Next(ctx context.Context) (redo.Row, error)
	Close() error
}
