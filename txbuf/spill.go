package txbuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"
	"github.com/maxpert/redoflow/encoding"
	"github.com/maxpert/redoflow/redo"
	"github.com/maxpert/redoflow/telemetry"
	"github.com/rs/zerolog/log"
)

// Key layout:
//
//	/spill/{queue:016x}/{xid}/{seq:016x} -> [flags u8][xxhash64 u64][statement]
//
// queue is unique per spilled buffer within a store, so a queue's keys form
// one contiguous range that Close drops with a single DeleteRange.
const prefixSpill = "/spill/"

const (
	flagZstd byte = 1 << 0

	spillHeaderSize = 9
)

// Pebble configuration constants
const (
	spillMemTableSize             = 32 << 20 // 32MB
	spillL0CompactionThreshold    = 4
	spillMaxConcurrentCompactions = 2
)

var errSpillClosed = errors.New("spill store is closed")

// SpillStore is the disk tier shared by all spilled buffers. Its content is
// scratch: checkpoints carry buffer contents, so the store is emptied on open.
type SpillStore struct {
	db       *pebble.DB
	dir      string
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
	nextID   atomic.Uint64
	closed   atomic.Bool
}

// OpenSpillStore opens (or creates) the spill store rooted at dir
func OpenSpillStore(dir string, compress bool) (*SpillStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}

	opts := &pebble.Options{
		MemTableSize:             spillMemTableSize,
		L0CompactionThreshold:    spillL0CompactionThreshold,
		MaxConcurrentCompactions: func() int { return spillMaxConcurrentCompactions },
		DisableWAL:               true,
	}

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open spill store at %s: %w", dir, err)
	}

	prefix := []byte(prefixSpill)
	if err := db.DeleteRange(prefix, prefixUpperBound(prefix), pebble.NoSync); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to clear stale spill data: %w", err)
	}

	s := &SpillStore{db: db, dir: dir, compress: compress}
	if compress {
		s.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}
	// Decoder is always available so stores written with compression stay readable
	s.dec, err = zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	log.Info().Str("path", dir).Bool("compress", compress).Msg("Opened transaction spill store")
	return s, nil
}

// Close closes the underlying database
func (s *SpillStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.enc != nil {
		s.enc.Close()
	}
	s.dec.Close()
	return s.db.Close()
}

func (s *SpillStore) newQueue(xid string) *spillQueue {
	id := s.nextID.Add(1)
	return &spillQueue{
		store:  s,
		prefix: []byte(fmt.Sprintf("%s%016x/%s/", prefixSpill, id, xid)),
	}
}

func (s *SpillStore) encode(stmt redo.Statement) ([]byte, error) {
	body, err := encoding.Marshal(&stmt)
	if err != nil {
		return nil, err
	}

	var flags byte
	if s.enc != nil {
		body = s.enc.EncodeAll(body, nil)
		flags |= flagZstd
	}

	val := make([]byte, spillHeaderSize+len(body))
	val[0] = flags
	binary.BigEndian.PutUint64(val[1:spillHeaderSize], xxhash.Sum64(body))
	copy(val[spillHeaderSize:], body)
	return val, nil
}

func (s *SpillStore) decode(val []byte) (redo.Statement, error) {
	var stmt redo.Statement
	if len(val) < spillHeaderSize {
		return stmt, fmt.Errorf("%w: record too short (%d bytes)", ErrChecksum, len(val))
	}

	flags := val[0]
	body := val[spillHeaderSize:]
	if xxhash.Sum64(body) != binary.BigEndian.Uint64(val[1:spillHeaderSize]) {
		return stmt, ErrChecksum
	}

	if flags&flagZstd != 0 {
		var err error
		body, err = s.dec.DecodeAll(body, nil)
		if err != nil {
			return stmt, fmt.Errorf("failed to decompress spilled statement: %w", err)
		}
	}

	if err := encoding.Unmarshal(body, &stmt); err != nil {
		return stmt, fmt.Errorf("failed to decode spilled statement: %w", err)
	}
	return stmt, nil
}

// spillQueue is the disk tier of one buffer
type spillQueue struct {
	store  *SpillStore
	prefix []byte
	head   uint64
	tail   uint64
	closed bool
}

func (q *spillQueue) key(seq uint64) []byte {
	key := make([]byte, len(q.prefix), len(q.prefix)+16)
	copy(key, q.prefix)
	return fmt.Appendf(key, "%016x", seq)
}

func (q *spillQueue) Push(stmt redo.Statement) error {
	if q.store.closed.Load() {
		return errSpillClosed
	}

	val, err := q.store.encode(stmt)
	if err != nil {
		return fmt.Errorf("failed to encode statement: %w", err)
	}
	if err := q.store.db.Set(q.key(q.tail), val, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to write spilled statement: %w", err)
	}

	q.tail++
	telemetry.SpilledStatementsTotal.Inc()
	return nil
}

func (q *spillQueue) Pop() (redo.Statement, bool, error) {
	if q.head >= q.tail {
		return redo.Statement{}, false, nil
	}
	if q.store.closed.Load() {
		return redo.Statement{}, false, errSpillClosed
	}

	key := q.key(q.head)
	val, closer, err := q.store.db.Get(key)
	if err != nil {
		return redo.Statement{}, false, fmt.Errorf("failed to read spilled statement %x: %w", key, err)
	}
	stmt, err := q.store.decode(val)
	closer.Close()
	if err != nil {
		return redo.Statement{}, false, err
	}

	if err := q.store.db.Delete(key, pebble.NoSync); err != nil {
		return redo.Statement{}, false, fmt.Errorf("failed to delete spilled statement: %w", err)
	}
	q.head++
	return stmt, true, nil
}

func (q *spillQueue) Remaining() ([]redo.Statement, error) {
	if q.store.closed.Load() {
		return nil, errSpillClosed
	}

	iter, err := q.store.db.NewIter(&pebble.IterOptions{
		LowerBound: q.key(q.head),
		UpperBound: prefixUpperBound(q.prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	stmts := make([]redo.Statement, 0, q.Len())
	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		stmt, err := q.store.decode(val)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return stmts, nil
}

func (q *spillQueue) Len() int {
	return int(q.tail - q.head)
}

func (q *spillQueue) Bytes() int64 {
	return 0
}

func (q *spillQueue) Close() error {
	if q.closed {
		return nil
	}
	q.closed = true
	q.head, q.tail = 0, 0

	if q.store.closed.Load() {
		return nil
	}
	return q.store.db.DeleteRange(q.prefix, prefixUpperBound(q.prefix), pebble.NoSync)
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
