// Package bitcask implements the Storage interface with an append-only
// log of numbered segment files and an in-memory index, following the
// Bitcask model: every write is an append, updates and deletes supersede
// earlier records, and a background compaction rewrites live records into
// fresh segments once enough garbage accumulates.
//
// A single RWMutex serializes all index and writer access. This is a
// deliberate simplicity choice: reads that race nothing still contend on
// the lock, but no reader can ever observe a half-applied index update or
// a location pointing at a deleted segment.
package bitcask

import (
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oldmanfleming/smoldb/storage"
)

const (
	DefaultSegmentSize     = 64 * 1024 * 1024
	DefaultCompactionRatio = 0.5
)

var (
	ErrInvalidSegmentSize     = errors.New("invalid segment size")
	ErrInvalidCompactionRatio = errors.New("invalid compaction ratio")
	ErrInvalidKey             = errors.New("invalid key")
	ErrInvalidValue           = errors.New("invalid value")
)

type Options struct {
	// SegmentSize is the threshold at which the active segment is sealed
	// and a new one opened.
	SegmentSize int64

	// CompactionRatio is the garbage-to-total byte ratio above which a
	// background compaction is triggered.
	CompactionRatio float64

	// SyncWrites forces an fsync after every append.
	SyncWrites bool
}

func DefaultOptions() Options {
	return Options{
		SegmentSize:     DefaultSegmentSize,
		CompactionRatio: DefaultCompactionRatio,
	}
}

// location addresses one record on disk.
type location struct {
	gen    uint64
	offset int64
	length int64
}

type Bitcask struct {
	logger  log.Logger
	dir     string
	opts    Options
	metrics *Metrics

	mtx     sync.RWMutex
	keydir  map[string]location
	active  *activeSegment
	readers map[uint64]*os.File
	closed  bool

	totalBytes   int64
	garbageBytes int64

	compactc chan struct{}
	stopc    chan chan struct{}
}

var _ storage.Storage = (*Bitcask)(nil)

// Open opens the store at dir, creating it if needed. The in-memory index
// is rebuilt by scanning every segment in ascending generation order; a
// torn trailing record left by a crash is truncated away silently.
func Open(logger log.Logger, registerer prometheus.Registerer, dir string, opts Options) (*Bitcask, error) {
	if opts.SegmentSize <= recordHeaderSize {
		return nil, ErrInvalidSegmentSize
	}
	if opts.CompactionRatio <= 0 || opts.CompactionRatio >= 1 {
		return nil, ErrInvalidCompactionRatio
	}

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}

	b := &Bitcask{
		logger:   log.With(logger, "component", "bitcask"),
		dir:      dir,
		opts:     opts,
		keydir:   make(map[string]location),
		readers:  make(map[uint64]*os.File),
		compactc: make(chan struct{}, 1),
		stopc:    make(chan chan struct{}),
	}

	b.metrics = NewMetrics(prometheus.WrapRegistererWithPrefix("storage_bitcask_", registerer))

	if err := b.recover(); err != nil {
		return nil, err
	}

	go b.run()

	return b, nil
}

// recover scans all segments into the keydir and opens the last one for
// appending.
func (b *Bitcask) recover() error {
	gens, err := listSegments(b.dir)
	if err != nil {
		return err
	}

	for _, gen := range gens {
		f, err := openSegmentRead(b.dir, gen)
		if err != nil {
			return err
		}
		b.readers[gen] = f

		size, err := b.replaySegment(f, gen)
		if err != nil {
			return err
		}
		b.totalBytes += size
	}

	activeGen := uint64(0)
	if len(gens) > 0 {
		activeGen = gens[len(gens)-1]
	}

	if err := b.setActive(activeGen); err != nil {
		return err
	}

	level.Info(b.logger).Log("msg", "store opened", "dir", b.dir, "segments", len(gens), "keys", len(b.keydir), "activeSegment", activeGen)

	b.metrics.diskBytes.Set(float64(b.totalBytes))
	b.metrics.garbageBytes.Set(float64(b.garbageBytes))
	b.metrics.liveKeys.Set(float64(len(b.keydir)))

	return nil
}

// replaySegment replays one segment into the keydir and returns its size
// after any tail truncation.
func (b *Bitcask) replaySegment(f *os.File, gen uint64) (int64, error) {
	scanner, err := newSegmentScanner(f)
	if err != nil {
		return 0, err
	}

	for scanner.Next() {
		rec := scanner.Record()
		length := rec.encodedLen()
		offset := scanner.Offset() - length
		b.replayRecord(rec, location{gen: gen, offset: offset, length: length})
	}

	stat, err := f.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "stat segment %d", gen)
	}
	size := stat.Size()

	// A scan that did not reach the end of the file hit a torn or
	// malformed tail: the expected shape of a crash mid-append. Truncate
	// back to the last valid record boundary and carry on.
	if scanner.Err() != nil || scanner.Offset() < size {
		level.Warn(b.logger).Log("msg", "truncating torn segment tail", "segment", gen, "offset", scanner.Offset(), "size", size, "err", scanner.Err())
		if err := os.Truncate(segmentName(b.dir, gen), scanner.Offset()); err != nil {
			return 0, errors.Wrapf(err, "truncate segment %d", gen)
		}
		b.metrics.segmentTruncations.Inc()
		size = scanner.Offset()
	}

	return size, nil
}

// replayRecord applies one recovered record to the keydir, keeping the
// garbage accounting consistent with the write path.
func (b *Bitcask) replayRecord(rec *record, loc location) {
	key := string(rec.key)
	if prev, ok := b.keydir[key]; ok {
		b.garbageBytes += prev.length
	}
	if rec.tombstone {
		delete(b.keydir, key)
		b.garbageBytes += loc.length
		return
	}
	b.keydir[key] = loc
}

// setActive opens gen for appending and makes sure a read handle exists
// for it.
func (b *Bitcask) setActive(gen uint64) error {
	active, err := createSegment(b.dir, gen)
	if err != nil {
		return err
	}
	b.active = active
	b.metrics.segmentCreations.Inc()

	if _, ok := b.readers[gen]; !ok {
		f, err := openSegmentRead(b.dir, gen)
		if err != nil {
			return err
		}
		b.readers[gen] = f
	}
	return nil
}

// rollActive seals the current active segment and opens the next
// generation for appending.
func (b *Bitcask) rollActive() error {
	prev := b.active
	if err := b.fsync(prev); err != nil {
		return err
	}
	if err := prev.Close(); err != nil {
		return errors.Wrapf(err, "close segment %d", prev.gen)
	}
	return b.setActive(prev.gen + 1)
}

func (b *Bitcask) fsync(s *activeSegment) error {
	now := time.Now()
	err := s.Sync()
	b.metrics.fsyncDuration.Observe(time.Since(now).Seconds())
	return errors.Wrapf(err, "sync segment %d", s.gen)
}

// validateKey rejects keys the record codec cannot read back. An invalid
// record must never reach the log: the recovery scanner would treat it as
// a torn tail and truncate everything appended after it.
func validateKey(key string) error {
	if len(key) == 0 || len(key) > maxKeyLen {
		return errors.Wrapf(ErrInvalidKey, "key length %d", len(key))
	}
	return nil
}

// Set stores value under key.
func (b *Bitcask) Set(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if len(value) > maxValueLen {
		return errors.Wrapf(ErrInvalidValue, "value length %d", len(value))
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.closed {
		return storage.ErrClosed
	}

	rec := &record{key: []byte(key), value: value, timestamp: time.Now().UnixNano()}
	loc, err := b.appendRecord(rec)
	if err != nil {
		b.metrics.writesFailed.Inc()
		return err
	}

	if prev, ok := b.keydir[key]; ok {
		b.garbageBytes += prev.length
	}
	b.keydir[key] = loc

	b.metrics.writes.Inc()
	b.metrics.liveKeys.Set(float64(len(b.keydir)))
	b.maybeTriggerCompaction()

	return nil
}

// Get returns the value for key, or ok=false if the key does not exist.
func (b *Bitcask) Get(key string) ([]byte, bool, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.closed {
		return nil, false, storage.ErrClosed
	}

	loc, ok := b.keydir[key]
	if !ok {
		return nil, false, nil
	}

	rec, err := b.readAt(loc)
	if err != nil {
		b.metrics.readsFailed.Inc()
		return nil, false, err
	}

	b.metrics.reads.Inc()

	// The keydir never targets tombstones on the write path, but a stale
	// entry can survive between a replayed delete and the next compaction.
	if rec.tombstone {
		return nil, false, nil
	}
	return rec.value, true, nil
}

// Remove deletes key by appending a tombstone.
func (b *Bitcask) Remove(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.closed {
		return storage.ErrClosed
	}

	prev, ok := b.keydir[key]
	if !ok {
		return storage.ErrKeyNotFound
	}

	rec := &record{key: []byte(key), tombstone: true, timestamp: time.Now().UnixNano()}
	loc, err := b.appendRecord(rec)
	if err != nil {
		b.metrics.writesFailed.Inc()
		return err
	}

	delete(b.keydir, key)

	// Both the superseded record and the tombstone itself are reclaimable.
	b.garbageBytes += prev.length + loc.length

	b.metrics.deletes.Inc()
	b.metrics.liveKeys.Set(float64(len(b.keydir)))
	b.maybeTriggerCompaction()

	return nil
}

// ListKeys returns all live keys in unspecified order.
func (b *Bitcask) ListKeys() []string {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	keys := make([]string, 0, len(b.keydir))
	for k := range b.keydir {
		keys = append(keys, k)
	}
	return keys
}

// Sync forces the active segment to stable storage.
func (b *Bitcask) Sync() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.closed {
		return storage.ErrClosed
	}
	return b.fsync(b.active)
}

// Close stops background maintenance and releases all file handles.
func (b *Bitcask) Close() error {
	b.mtx.Lock()
	if b.closed {
		b.mtx.Unlock()
		return storage.ErrClosed
	}
	b.closed = true
	b.mtx.Unlock()

	// The handshake happens outside the lock: the maintenance goroutine
	// may be inside a compaction that needs the lock to observe the close.
	donec := make(chan struct{})
	b.stopc <- donec
	<-donec

	b.mtx.Lock()
	defer b.mtx.Unlock()

	if err := b.fsync(b.active); err != nil {
		level.Error(b.logger).Log("msg", "sync active segment", "err", err)
	}
	if err := b.active.Close(); err != nil {
		level.Error(b.logger).Log("msg", "close active segment", "err", err)
	}
	for gen, f := range b.readers {
		if err := f.Close(); err != nil {
			level.Error(b.logger).Log("msg", "close segment reader", "segment", gen, "err", err)
		}
	}

	return nil
}

// appendRecord encodes rec and appends it to the active segment, sealing
// it first if the record would push it past the size threshold so a record
// is never split across segments.
func (b *Bitcask) appendRecord(rec *record) (location, error) {
	length := rec.encodedLen()

	if b.active.size > 0 && b.active.size+length > b.opts.SegmentSize {
		if err := b.rollActive(); err != nil {
			return location{}, err
		}
	}

	buf := encodeRecord(nil, rec)
	offset, err := b.active.append(buf)
	if err != nil {
		return location{}, err
	}

	if b.opts.SyncWrites {
		if err := b.fsync(b.active); err != nil {
			return location{}, err
		}
	}

	b.totalBytes += length
	b.metrics.diskBytes.Set(float64(b.totalBytes))

	return location{gen: b.active.gen, offset: offset, length: length}, nil
}

// readAt reads and decodes exactly the record at loc. Caller holds at
// least the read lock.
func (b *Bitcask) readAt(loc location) (*record, error) {
	f, ok := b.readers[loc.gen]
	if !ok {
		return nil, errors.Errorf("no reader for segment %d", loc.gen)
	}

	buf := make([]byte, loc.length)
	if _, err := f.ReadAt(buf, loc.offset); err != nil {
		return nil, errors.Wrapf(err, "read segment %d at %d", loc.gen, loc.offset)
	}
	return decodeRecord(buf)
}

// run drains maintenance work until Close. Compaction runs here, off the
// caller's goroutine, but takes the same lock as foreground operations.
func (b *Bitcask) run() {
	for {
		select {
		case <-b.compactc:
			if err := b.Compact(); err != nil && !errors.Is(err, storage.ErrClosed) {
				level.Error(b.logger).Log("msg", "background compaction failed", "err", err)
			}
		case donec := <-b.stopc:
			close(donec)
			return
		}
	}
}

// maybeTriggerCompaction signals the maintenance goroutine when the
// garbage ratio crosses the configured threshold. Caller holds the write
// lock.
func (b *Bitcask) maybeTriggerCompaction() {
	if b.totalBytes == 0 {
		return
	}
	if float64(b.garbageBytes)/float64(b.totalBytes) < b.opts.CompactionRatio {
		return
	}
	select {
	case b.compactc <- struct{}{}:
	default:
	}
}
