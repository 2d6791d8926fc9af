package bitcask

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

const segmentExt = "log"

// activeSegment is the single writable segment. All other segments are
// sealed and only ever read.
type activeSegment struct {
	wlog.SegmentFile
	gen  uint64
	size int64
}

func segmentName(dir string, gen uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.%s", gen, segmentExt))
}

// createSegment opens the segment file for generation gen in append mode,
// creating it if needed.
func createSegment(dir string, gen uint64) (*activeSegment, error) {
	f, err := os.OpenFile(segmentName(dir, gen), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return nil, errors.Wrapf(err, "create segment %d", gen)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat segment %d", gen)
	}

	return &activeSegment{
		SegmentFile: f,
		gen:         gen,
		size:        stat.Size(),
	}, nil
}

// append writes an encoded record and returns its starting offset.
func (s *activeSegment) append(buf []byte) (int64, error) {
	off := s.size
	n, err := s.Write(buf)
	s.size += int64(n)
	if err != nil {
		return 0, errors.Wrapf(err, "append to segment %d", s.gen)
	}
	return off, nil
}

// openSegmentRead opens a read-only handle for a segment. The handle is
// shared between concurrent readers via ReadAt.
func openSegmentRead(dir string, gen uint64) (*os.File, error) {
	f, err := os.Open(segmentName(dir, gen))
	if err != nil {
		return nil, errors.Wrapf(err, "open segment %d", gen)
	}
	return f, nil
}

// listSegments returns the generation numbers present in dir in ascending
// order. Files that do not look like segments are ignored.
func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read segment dir")
	}

	var gens []uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, "."+segmentExt) {
			continue
		}
		gen, err := strconv.ParseUint(strings.TrimSuffix(name, "."+segmentExt), 10, 64)
		if err != nil {
			continue
		}
		gens = append(gens, gen)
	}

	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

// segmentScanner iterates the records of one segment file in order.
// After Next returns false, Err reports whether the scan ended cleanly.
// A scan that ends inside a record leaves Offset at the last valid record
// boundary so the caller can truncate the torn tail.
type segmentScanner struct {
	rd     *bufio.Reader
	rec    *record
	offset int64
	err    error
}

func newSegmentScanner(f *os.File) (*segmentScanner, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "seek segment start")
	}
	return &segmentScanner{rd: bufio.NewReader(f)}, nil
}

func (s *segmentScanner) Next() bool {
	rec, n, err := readRecord(s.rd)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.err = err
		}
		return false
	}
	s.rec = rec
	s.offset += n
	return true
}

// Record returns the record read by the last successful Next.
func (s *segmentScanner) Record() *record { return s.rec }

// Offset returns the byte offset just past the last valid record.
func (s *segmentScanner) Offset() int64 { return s.offset }

func (s *segmentScanner) Err() error { return s.err }
