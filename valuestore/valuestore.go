// Package valuestore implements the append-only value log: records of
// (length, key, value) written once at journal commit and never
// rewritten, plus random-access reads by offset and a sequential scan in
// insertion order. It is grounded on the teacher's heapfile_manager
// (positional os.File I/O behind a single mutex, atomic size tracking)
// generalized from paged heap storage to a flat append log, and on
// _examples/original_source/db/file.h's FileValueStore for the exact
// record layout and Each chunked-scan algorithm.
package valuestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"stridekv/keyspace"
)

// recordHeaderSize is the length-prefix plus key header every record
// carries before its value bytes.
const recordHeaderSize = 8 + keyspace.ByteLen

// ErrShortRead is returned when a read returns fewer bytes than expected.
var ErrShortRead = errors.New("valuestore: short read")

// ErrShortWrite is returned when a write persists fewer bytes than expected.
var ErrShortWrite = errors.New("valuestore: short write")

// ErrNotFound is returned by Get when the requested range lies beyond
// the current size of the store.
var ErrNotFound = errors.New("valuestore: not found")

// Record is one (length, key, value) triple ready to be written. Offset
// is the byte position Set will write it at; callers obtain it by
// reserving space first (see Reserve).
type Record struct {
	Offset uint64
	Key    keyspace.Key
	Value  []byte
}

// length returns the total on-disk length of the record, the value
// stamped into the record's length prefix.
func (r Record) length() uint64 { return uint64(recordHeaderSize + len(r.Value)) }

// KeyValueFunc is called once per record during Each, in insertion order.
type KeyValueFunc func(key keyspace.Key, value []byte) error

// Store is a file-backed append-only value log.
type Store struct {
	path string
	file *os.File
	size atomic.Uint64
}

// Open opens or creates the value file at path and tracks its current
// size. Not thread-safe: call before any concurrent Get/Set/Each use.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("valuestore: open %s: %w", path, err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("valuestore: stat %s: %w", path, err)
	}
	s := &Store{path: path, file: f}
	s.size.Store(uint64(stat.Size()))
	return s, nil
}

// Close closes the underlying file. Idempotent.
func (s *Store) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Clear truncates the store back to empty. Not thread-safe.
func (s *Store) Clear() error {
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("valuestore: truncate: %w", err)
	}
	s.size.Store(0)
	return nil
}

// Size returns the current byte length of the log.
func (s *Store) Size() uint64 { return s.size.Load() }

// Reserve atomically bumps the store's size by the length a record with
// this key and value would occupy, and returns the offset the record
// must be written at. Callers stamp this offset into a buffer entry
// before handing the record to Set, matching the tree's "offset assigned
// before commit" discipline.
func (s *Store) Reserve(key keyspace.Key, value []byte) uint64 {
	length := uint64(recordHeaderSize + len(value))
	return s.size.Add(length) - length
}

// Set writes rec at rec.Offset. The caller is responsible for having
// reserved that offset (via Reserve) before the value store's size
// advanced past it again.
func (s *Store) Set(rec Record) error {
	buf := make([]byte, recordHeaderSize+len(rec.Value))
	binary.LittleEndian.PutUint64(buf[0:8], rec.length())
	copy(buf[8:recordHeaderSize], rec.Key.Bytes())
	copy(buf[recordHeaderSize:], rec.Value)

	n, err := s.file.WriteAt(buf, int64(rec.Offset))
	if err != nil {
		return fmt.Errorf("valuestore: write at %d: %w", rec.Offset, err)
	}
	if n != len(buf) {
		return ErrShortWrite
	}
	return nil
}

// Get reads the value portion of the record of length length at offset,
// stripping the record's length prefix and key header.
func (s *Store) Get(offset, length uint64) ([]byte, error) {
	if length < recordHeaderSize {
		return nil, fmt.Errorf("valuestore: record length %d shorter than header", length)
	}
	if offset+length > s.Size() {
		return nil, ErrNotFound
	}
	valueLen := length - recordHeaderSize
	value := make([]byte, valueLen)
	n, err := s.file.ReadAt(value, int64(offset+recordHeaderSize))
	if err != nil {
		return nil, fmt.Errorf("valuestore: read at %d: %w", offset, err)
	}
	if uint64(n) != valueLen {
		return nil, ErrShortRead
	}
	return value, nil
}

// Each streams every record in insertion order, reading in 64KiB chunks
// (grown to fit any single record longer than that) and re-reading from
// the start of any record that straddles a chunk boundary, mirroring
// FileValueStore::Each.
func (s *Store) Each(f KeyValueFunc) error {
	const chunkSize = 64 * 1024
	chunk := make([]byte, chunkSize)
	var filePosition uint64
	total := s.Size()

	for filePosition < total {
		n, err := s.file.ReadAt(chunk, int64(filePosition))
		if err != nil && n == 0 {
			return fmt.Errorf("valuestore: read at %d: %w", filePosition, err)
		}
		read := uint64(n)
		var pos uint64
		for pos < read {
			if pos+8 > read {
				break
			}
			length := binary.LittleEndian.Uint64(chunk[pos:])
			if pos+length > read {
				break
			}
			key, kerr := keyspace.FromBytes(chunk[pos+8 : pos+8+keyspace.ByteLen])
			if kerr != nil {
				return kerr
			}
			value := make([]byte, length-uint64(recordHeaderSize))
			copy(value, chunk[pos+uint64(recordHeaderSize):pos+length])
			if err := f(key, value); err != nil {
				return err
			}
			pos += length
			filePosition += length
		}
		if pos == 0 {
			// Not even one full record fit in the chunk. A record longer
			// than the chunk gets a chunk grown to its length and is
			// re-read; anything else is a truncated record, and the loop
			// invariant (filePosition advances every iteration) would
			// otherwise spin.
			if read >= 8 {
				if need := binary.LittleEndian.Uint64(chunk); need > uint64(len(chunk)) {
					chunk = make([]byte, need)
					continue
				}
			}
			return fmt.Errorf("valuestore: truncated record at %d", filePosition)
		}
	}
	return nil
}

// Memory is an in-memory value store used by tests that don't want real
// files, carried over from the original's MemoryValueStore.
type Memory struct {
	mu      sync.Mutex
	records map[uint64]Record
	size    uint64
}

// NewMemory constructs an empty in-memory value store.
func NewMemory() *Memory {
	return &Memory{records: make(map[uint64]Record)}
}

// Reserve mirrors Store.Reserve for the in-memory backend.
func (m *Memory) Reserve(key keyspace.Key, value []byte) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	length := uint64(recordHeaderSize + len(value))
	offset := m.size
	m.size += length
	return offset
}

// Set stores rec keyed by its offset.
func (m *Memory) Set(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Offset] = rec
	return nil
}

// Get returns the value stored at offset, validating the expected length.
func (m *Memory) Get(offset, length uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[offset]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.length() != length {
		return nil, ErrShortRead
	}
	out := make([]byte, len(rec.Value))
	copy(out, rec.Value)
	return out, nil
}

// Each streams every record ordered by offset (insertion order, since
// offsets are monotonically reserved).
func (m *Memory) Each(f KeyValueFunc) error {
	m.mu.Lock()
	offsets := make([]uint64, 0, len(m.records))
	for off := range m.records {
		offsets = append(offsets, off)
	}
	recs := m.records
	m.mu.Unlock()

	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	for _, off := range offsets {
		rec := recs[off]
		if err := f(rec.Key, rec.Value); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the current byte length of the store.
func (m *Memory) Size() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Clear empties the store.
func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[uint64]Record)
	m.size = 0
	return nil
}
