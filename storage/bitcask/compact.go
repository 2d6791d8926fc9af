package bitcask

import (
	"os"
	"sort"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/oldmanfleming/smoldb/storage"
)

// Compact rewrites every live record into fresh segments in original
// recency order, swaps the index to the new locations and deletes the old
// segment files. It holds the engine lock for the duration, so callers
// observe either the pre- or post-compaction location for a key, never a
// dangling one. Normally it runs on the maintenance goroutine when the
// garbage ratio crosses the configured threshold, but it is safe to call
// directly.
func (b *Bitcask) Compact() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.closed {
		return storage.ErrClosed
	}

	start := time.Now()
	reclaimable := b.garbageBytes

	type liveEntry struct {
		key string
		loc location
	}
	entries := make([]liveEntry, 0, len(b.keydir))
	for k, loc := range b.keydir {
		entries = append(entries, liveEntry{key: k, loc: loc})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].loc.gen != entries[j].loc.gen {
			return entries[i].loc.gen < entries[j].loc.gen
		}
		return entries[i].loc.offset < entries[j].loc.offset
	})

	oldGens := make([]uint64, 0, len(b.readers))
	for gen := range b.readers {
		oldGens = append(oldGens, gen)
	}

	// Copy live records into fresh generations above the current active
	// one. The keydir is untouched until every merge segment is durable,
	// so a failure here leaves the store exactly as it was.
	mergeGen := b.active.gen + 1
	var (
		merge        *activeSegment
		mergeReaders = map[uint64]*os.File{}
		newLocs      = make(map[string]location, len(entries))
		mergedBytes  int64
	)

	fail := func(err error) error {
		if merge != nil {
			merge.Close()
		}
		for gen, f := range mergeReaders {
			f.Close()
			os.Remove(segmentName(b.dir, gen))
		}
		return err
	}

	for _, e := range entries {
		buf := make([]byte, e.loc.length)
		f, ok := b.readers[e.loc.gen]
		if !ok {
			return fail(errors.Errorf("no reader for segment %d", e.loc.gen))
		}
		if _, err := f.ReadAt(buf, e.loc.offset); err != nil {
			return fail(errors.Wrapf(err, "read segment %d at %d", e.loc.gen, e.loc.offset))
		}
		if _, err := decodeRecord(buf); err != nil {
			return fail(err)
		}

		if merge != nil && merge.size+int64(len(buf)) > b.opts.SegmentSize {
			if err := b.fsync(merge); err != nil {
				return fail(err)
			}
			if err := merge.Close(); err != nil {
				return fail(errors.Wrapf(err, "close merge segment %d", merge.gen))
			}
			merge = nil
			mergeGen++
		}
		if merge == nil {
			var err error
			if merge, err = createSegment(b.dir, mergeGen); err != nil {
				return fail(err)
			}
			rd, err := openSegmentRead(b.dir, mergeGen)
			if err != nil {
				return fail(err)
			}
			mergeReaders[mergeGen] = rd
		}

		offset, err := merge.append(buf)
		if err != nil {
			return fail(err)
		}
		newLocs[e.key] = location{gen: mergeGen, offset: offset, length: int64(len(buf))}
		mergedBytes += int64(len(buf))
	}

	if merge != nil {
		if err := b.fsync(merge); err != nil {
			return fail(err)
		}
		if err := merge.Close(); err != nil {
			return fail(errors.Wrapf(err, "close merge segment %d", merge.gen))
		}
	}

	// Merge segments are durable; switch over. Seal the old active
	// segment, point the keydir at the new locations and open a fresh
	// active generation.
	if err := b.fsync(b.active); err != nil {
		return fail(err)
	}
	if err := b.active.Close(); err != nil {
		return fail(errors.Wrapf(err, "close segment %d", b.active.gen))
	}

	for key, loc := range newLocs {
		b.keydir[key] = loc
	}
	for gen, f := range mergeReaders {
		b.readers[gen] = f
	}

	if err := b.setActive(mergeGen + 1); err != nil {
		return err
	}

	b.totalBytes = mergedBytes
	b.garbageBytes = 0

	// Nothing in the keydir points below the first merge generation now;
	// the old files can go.
	for _, gen := range oldGens {
		if f, ok := b.readers[gen]; ok {
			f.Close()
			delete(b.readers, gen)
		}
		if err := os.Remove(segmentName(b.dir, gen)); err != nil {
			level.Warn(b.logger).Log("msg", "remove old segment", "segment", gen, "err", err)
		}
	}

	b.metrics.compactions.Inc()
	b.metrics.compactionDuration.Observe(time.Since(start).Seconds())
	b.metrics.diskBytes.Set(float64(b.totalBytes))
	b.metrics.garbageBytes.Set(0)

	level.Info(b.logger).Log("msg", "compaction finished", "liveRecords", len(entries), "reclaimedBytes", reclaimable, "duration", time.Since(start))

	return nil
}
