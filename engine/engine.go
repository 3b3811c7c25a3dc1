// Package engine ties the value store, key store, node cache, buffer and
// tree together into the single entry point described by spec.md's
// Engine/flush loop: Open/Clear/Close lifecycle, Put/Get/Each, and a
// background flush worker that runs one Add+Commit pass per second. It
// is grounded on the teacher's heapfile_manager.HeapFileManager (the
// struct that owns every per-database file and exposes Open/Close) and
// on _examples/original_source/db/db.h's Database, the C++ type this
// loop is distilled from.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stridekv/buffer"
	"stridekv/journal"
	"stridekv/keyspace"
	"stridekv/keystore"
	"stridekv/nodecache"
	"stridekv/tree"
	"stridekv/valuestore"
)

// Error namespace, per spec.md §6/§7.
var (
	ErrKeyWrongLength  = errors.New("engine: key has the wrong length")
	ErrKeyNotFound     = errors.New("engine: key not found")
	ErrValueNotFound   = errors.New("engine: value not found")
	ErrValueTooLong    = errors.New("engine: value exceeds the maximum record length")
	ErrZeroLengthValue = errors.New("engine: value must not be empty")
	ErrShortRead       = errors.New("engine: short read")
	ErrShortWrite      = errors.New("engine: short write")
	ErrBadCommit       = errors.New("engine: buffer commit failed")
)

// maxValueLength bounds a value's length to what a node slot's on-disk
// u32 value_length field can hold.
const maxValueLength = ^uint32(0)

// flushInterval is how long the background worker sleeps between flush
// attempts, per §4.9.
const flushInterval = time.Second

// defaultCommitBatchSize is the buffer-commit batching parameter. §9's
// open question (c) leaves its magnitude undecided; treated as an
// opaque tunable here, the way the teacher's heapfile page cache sizes
// are plain constants rather than derived values.
const defaultCommitBatchSize = 256

// Config is the engine's explicit construction-time configuration: two
// file paths plus the block and cache sizing, matching §4.9's "key
// file, value file, block size, cache size" and §9's "no hidden
// statics" design note.
type Config struct {
	KeyFilePath        string
	ValueFilePath      string
	BlockSize          int
	NodeCacheSize      int
	KeyBlockCacheBytes int64
	CommitBatchSize    int
	Logger             zerolog.Logger
}

// Stats aggregates the engine-level hit/miss counters plus the node
// cache's own telemetry, mirroring the original's
// NodeCache::ToString() line logged once per flush pass.
type Stats struct {
	BufferHits   uint64
	KeyMisses    uint64
	ValueHits    uint64
	ValueMisses  uint64
	CacheHits    uint64
	CacheMisses  uint64
	CacheInserts uint64
	CacheUpdates uint64
}

// Engine owns every component and the background flush worker.
type Engine struct {
	cfg Config
	log zerolog.Logger

	keys   *keystore.Store
	values *valuestore.Store
	cache  *nodecache.Cache
	tree   *tree.Tree
	buf    *buffer.Buffer

	counters counters

	cancel context.CancelFunc
	done   chan struct{}
}

type counters struct {
	mu          sync.Mutex
	bufferHits  uint64
	keyMisses   uint64
	valueHits   uint64
	valueMisses uint64
}

// Open opens the key and value stores, initializes the root node if
// absent, and starts the background flush worker. Not thread-safe: call
// once, before any concurrent Get/Put/Each use.
func Open(cfg Config) (*Engine, error) {
	if cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("engine: block size must be positive")
	}
	if cfg.CommitBatchSize <= 0 {
		cfg.CommitBatchSize = defaultCommitBatchSize
	}

	keys, err := keystore.Open(cfg.KeyFilePath, cfg.BlockSize, cfg.KeyBlockCacheBytes)
	if err != nil {
		return nil, fmt.Errorf("engine: opening key store: %w", err)
	}
	values, err := valuestore.Open(cfg.ValueFilePath)
	if err != nil {
		keys.Close()
		return nil, fmt.Errorf("engine: opening value store: %w", err)
	}

	cache := nodecache.New(cfg.NodeCacheSize)
	t := tree.New(keys, cache)
	if err := t.Init(true); err != nil {
		keys.Close()
		values.Close()
		return nil, fmt.Errorf("engine: initializing root: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		log:    cfg.Logger,
		keys:   keys,
		values: values,
		cache:  cache,
		tree:   t,
		buf:    buffer.New(),
		done:   make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.runFlushWorker(ctx)

	return e, nil
}

// Clear clears the buffer, key store and value store and reinitializes
// the root. Not thread-safe: callers must ensure no concurrent
// Get/Put/flush is in flight.
func (e *Engine) Clear() error {
	e.buf.Clear()
	if err := e.keys.Clear(); err != nil {
		return fmt.Errorf("engine: clearing key store: %w", err)
	}
	if err := e.values.Clear(); err != nil {
		return fmt.Errorf("engine: clearing value store: %w", err)
	}
	if err := e.tree.Init(true); err != nil {
		return fmt.Errorf("engine: reinitializing root: %w", err)
	}
	return nil
}

// Close signals the flush worker to stop, waits for it to perform one
// final flush, then closes both stores. Idempotent.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
		<-e.done
		e.cancel = nil
	}
	if err := e.keys.Close(); err != nil {
		return fmt.Errorf("engine: closing key store: %w", err)
	}
	if err := e.values.Close(); err != nil {
		return fmt.Errorf("engine: closing value store: %w", err)
	}
	return nil
}

// parseKey validates a raw external key's length and converts it to the
// fixed-width internal representation, per §4.9's "validates
// key.len == BITS/8" on both Put and Get.
func parseKey(key []byte) (keyspace.Key, error) {
	k, err := keyspace.FromBytes(key)
	if err != nil {
		return keyspace.Key{}, ErrKeyWrongLength
	}
	return k, nil
}

// Put validates key and value and stages them in the buffer for a
// future flush. Validation failures leave the buffer untouched.
func (e *Engine) Put(key []byte, value []byte) error {
	k, err := parseKey(key)
	if err != nil {
		return err
	}
	if len(value) == 0 {
		return ErrZeroLengthValue
	}
	if uint64(len(value)) > uint64(maxValueLength) {
		return ErrValueTooLong
	}
	e.buf.Add(k, value)
	return nil
}

// Get consults the buffer first, then descends the tree and reads the
// value store on a miss, recording the hit/miss counters §4.9
// describes.
func (e *Engine) Get(key []byte) ([]byte, error) {
	k, err := parseKey(key)
	if err != nil {
		return nil, err
	}
	if value, ok := e.buf.Get(k); ok {
		e.counters.mu.Lock()
		e.counters.bufferHits++
		e.counters.mu.Unlock()
		return value, nil
	}

	offset, length, err := e.tree.Get(k)
	if err != nil {
		if errors.Is(err, tree.ErrKeyNotFound) {
			e.counters.mu.Lock()
			e.counters.keyMisses++
			e.counters.mu.Unlock()
			return nil, ErrKeyNotFound
		}
		return nil, err
	}

	value, err := e.values.Get(offset, uint64(length)+recordHeaderSize)
	e.counters.mu.Lock()
	if err != nil {
		e.counters.valueMisses++
	} else {
		e.counters.valueHits++
	}
	e.counters.mu.Unlock()
	if err != nil {
		if errors.Is(err, valuestore.ErrNotFound) {
			return nil, ErrValueNotFound
		}
		return nil, err
	}
	return value, nil
}

// recordHeaderSize mirrors valuestore's record header so Get can pass
// the length valuestore.Get expects without exporting that constant.
const recordHeaderSize = 8 + uint64(keyspace.ByteLen)

// Each delegates to the value store's insertion-order scan.
func (e *Engine) Each(f func(key keyspace.Key, value []byte) error) error {
	return e.values.Each(f)
}

// Stats returns a snapshot of the engine and node-cache counters.
func (e *Engine) Stats() Stats {
	e.counters.mu.Lock()
	defer e.counters.mu.Unlock()
	cs := e.cache.Stats()
	return Stats{
		BufferHits:   e.counters.bufferHits,
		KeyMisses:    e.counters.keyMisses,
		ValueHits:    e.counters.valueHits,
		ValueMisses:  e.counters.valueMisses,
		CacheHits:    cs.Hits,
		CacheMisses:  cs.Misses,
		CacheInserts: cs.Inserts,
		CacheUpdates: cs.Updates,
	}
}

// runFlushWorker is the single background thread described by §4.9 and
// §5: one flush attempt per tick, plus one final flush on shutdown.
func (e *Engine) runFlushWorker(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.flush()
			return
		case <-ticker.C:
			e.flush()
		}
	}
}

// flush runs one Add pass followed by a Commit, logging the outcome and
// the cache telemetry the way the original db.h flush loop logs
// NodeCache::ToString() every pass. Internal invariant violations abort
// this pass only; the worker retries on the next tick per §7.
func (e *Engine) flush() {
	if !e.buf.ReadyForCommitting() && e.buf.Size() == 0 {
		return
	}

	cycle := uuid.New().String()
	log := e.log.With().Str("flush_cycle", cycle).Logger()

	j := journal.New()
	if err := j.Process(e.tree, e.buf, e.values); err != nil {
		log.Error().Err(err).Msg("flush: add pass failed")
		return
	}
	if err := j.Commit(e.tree, e.buf, e.values, e.cfg.CommitBatchSize); err != nil {
		log.Error().Err(fmt.Errorf("%w: %v", ErrBadCommit, err)).Msg("flush: commit failed, will retry next tick")
		return
	}
	if err := e.buf.Purge(); err != nil {
		log.Error().Err(err).Msg("flush: purge failed")
		return
	}

	stats := e.Stats()
	log.Info().
		Int("deltas", j.Size()).
		Int("net_insertions", j.TotalInsertions()).
		Uint64("cache_hits", stats.CacheHits).
		Uint64("cache_misses", stats.CacheMisses).
		Uint64("cache_inserts", stats.CacheInserts).
		Uint64("cache_updates", stats.CacheUpdates).
		Msg("flush: committed")
}

// NewLogger constructs the package-level console logger the teacher's
// cmd/ tools would otherwise build with the standard log package; engine
// callers that don't care about structured output can pass this to
// Config.Logger.
func NewLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}
