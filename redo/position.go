// Package redo holds the value types shared by every stage of the pipeline:
// positions in the redo stream, mined rows, statements and table metadata.
package redo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Position identifies a single change in the redo stream.
// Positions are totally ordered by LSN, then RecordID, then SubSeq.
type Position struct {
	LSN      uint64 `msgpack:"lsn" json:"lsn" yaml:"lsn"`
	RecordID uint64 `msgpack:"rec" json:"record_id" yaml:"record_id"`
	SubSeq   uint32 `msgpack:"ssn" json:"sub_seq" yaml:"sub_seq"`
}

// Compare returns -1, 0 or +1 depending on whether p sorts before, equal to or after o.
func (p Position) Compare(o Position) int {
	switch {
	case p.LSN < o.LSN:
		return -1
	case p.LSN > o.LSN:
		return 1
	case p.RecordID < o.RecordID:
		return -1
	case p.RecordID > o.RecordID:
		return 1
	case p.SubSeq < o.SubSeq:
		return -1
	case p.SubSeq > o.SubSeq:
		return 1
	}
	return 0
}

// Less reports whether p sorts strictly before o
func (p Position) Less(o Position) bool {
	return p.Compare(o) < 0
}

// IsZero reports whether p is the zero Position (beginning of available log)
func (p Position) IsZero() bool {
	return p == Position{}
}

// Prev returns the greatest position sorting before p, so that mining
// strictly after it yields p first. The zero Position has no predecessor and
// is returned as is.
func (p Position) Prev() Position {
	switch {
	case p.SubSeq > 0:
		return Position{LSN: p.LSN, RecordID: p.RecordID, SubSeq: p.SubSeq - 1}
	case p.RecordID > 0:
		return Position{LSN: p.LSN, RecordID: p.RecordID - 1, SubSeq: math.MaxUint32}
	case p.LSN > 0:
		return Position{LSN: p.LSN - 1, RecordID: math.MaxUint64, SubSeq: math.MaxUint32}
	}
	return p
}

// String formats the position as lsn:record:sub
func (p Position) String() string {
	return fmt.Sprintf("%d:%d:%d", p.LSN, p.RecordID, p.SubSeq)
}

// ParsePosition parses the lsn:record:sub form produced by String.
// A bare number is accepted as an LSN with zero record and sub-sequence.
func ParsePosition(s string) (Position, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 1 && len(parts) != 3 {
		return Position{}, fmt.Errorf("invalid position %q: want lsn or lsn:record:sub", s)
	}

	lsn, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("invalid position %q: bad lsn: %w", s, err)
	}
	if len(parts) == 1 {
		return Position{LSN: lsn}, nil
	}

	rec, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("invalid position %q: bad record id: %w", s, err)
	}
	sub, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Position{}, fmt.Errorf("invalid position %q: bad sub-sequence: %w", s, err)
	}

	return Position{LSN: lsn, RecordID: rec, SubSeq: uint32(sub)}, nil
}

// MaxPosition returns the later of two positions
func MaxPosition(a, b Position) Position {
	if a.Less(b) {
		return b
	}
	return a
}
