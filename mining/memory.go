package mining

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/maxpert/redoflow/redo"
)

// MemorySource serves rows from in-memory log files. Used to replay captured
// redo and in tests.
type MemorySource struct {
	mu       sync.Mutex
	identity redo.DatabaseIdentity
	files    [][]redo.Row
	err      error
	opened   int
}

// NewMemorySource creates an empty source for the given database
func NewMemorySource(identity redo.DatabaseIdentity) *MemorySource {
	return &MemorySource{identity: identity}
}

// AddFile appends a log file. Rows must follow every row already added.
func (m *MemorySource) AddFile(rows ...redo.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	last := m.lastLocked()
	for _, row := range rows {
		if !last.Less(row.Position) {
			return fmt.Errorf("row %s does not follow %s", row.Position, last)
		}
		last = row.Position
	}

	m.files = append(m.files, append([]redo.Row(nil), rows...))
	return nil
}

func (m *MemorySource) lastLocked() redo.Position {
	for i := len(m.files) - 1; i >= 0; i-- {
		if n := len(m.files[i]); n > 0 {
			return m.files[i][n-1].Position
		}
	}
	return redo.Position{}
}

// Fail makes every following call return err
func (m *MemorySource) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Sessions returns how many sessions were opened
func (m *MemorySource) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// Identity implements Source
func (m *MemorySource) Identity(context.Context) (redo.DatabaseIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity, m.err
}

// EarliestPosition implements Source
func (m *MemorySource) EarliestPosition(context.Context) (redo.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return redo.Position{}, m.err
	}
	for _, file := range m.files {
		if len(file) > 0 {
			return file[0].Position, nil
		}
	}
	return redo.Position{}, nil
}

// Open implements Source
func (m *MemorySource) Open(_ context.Context, after redo.Position, limits SessionLimits) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	m.opened++

	var rows []redo.Row
	var files int
	var size int64
	for _, file := range m.files {
		if len(file) == 0 || !after.Less(file[len(file)-1].Position) {
			continue
		}

		var fileSize int64
		for _, row := range file {
			fileSize += int64(row.Payload.Size())
		}
		if files > 0 {
			if limits.MaxFiles > 0 && files >= limits.MaxFiles {
				break
			}
			if limits.MaxBytes > 0 && size+fileSize > limits.MaxBytes {
				break
			}
		}

		for _, row := range file {
			if after.Less(row.Position) {
				rows = append(rows, row)
			}
		}
		files++
		size += fileSize
	}

	return &memorySession{source: m, rows: rows}, nil
}

// Close implements Source
func (m *MemorySource) Close() error {
	return nil
}

type memorySession struct {
	source *MemorySource
	rows   []redo.Row
	next   int
}

func (s *memorySession) Next(context.Context) (redo.Row, error) {
	s.source.mu.Lock()
	err := s.source.err
	s.source.mu.Unlock()
	if err != nil {
		return redo.Row{}, err
	}

	if s.next >= len(s.rows) {
		return redo.Row{}, io.EOF
	}
	row := s.rows[s.next]
	s.next++
	return row, nil
}

func (s *memorySession) Close() error {
	return nil
}
