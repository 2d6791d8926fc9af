package bitcask

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"

	"github.com/oldmanfleming/smoldb/storage"
)

// On-disk record layout, big-endian:
//
//	crc (4 bytes)
//	timestamp (8 bytes)
//	key_len (4 bytes)
//	value_len (4 bytes)
//	key (key_len bytes)
//	value (value_len bytes)
//
// The crc covers everything after itself. value_len == tombstoneLen marks a
// deletion and carries no value bytes, so an empty value and a tombstone
// stay distinguishable.
const (
	recordHeaderSize = 20

	tombstoneLen = ^uint32(0)

	maxKeyLen   = 1 << 20
	maxValueLen = 1 << 30
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

type record struct {
	key       []byte
	value     []byte
	tombstone bool
	timestamp int64
}

func (r *record) encodedLen() int64 {
	n := int64(recordHeaderSize) + int64(len(r.key))
	if !r.tombstone {
		n += int64(len(r.value))
	}
	return n
}

// encodeRecord appends the encoded form of r to dst.
func encodeRecord(dst []byte, r *record) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, recordHeaderSize)...)
	buf := dst[start:]

	binary.BigEndian.PutUint64(buf[4:], uint64(r.timestamp))
	binary.BigEndian.PutUint32(buf[12:], uint32(len(r.key)))
	if r.tombstone {
		binary.BigEndian.PutUint32(buf[16:], tombstoneLen)
	} else {
		binary.BigEndian.PutUint32(buf[16:], uint32(len(r.value)))
	}

	dst = append(dst, r.key...)
	if !r.tombstone {
		dst = append(dst, r.value...)
	}

	crc := crc32.Checksum(dst[start+4:], castagnoliTable)
	binary.BigEndian.PutUint32(dst[start:], crc)

	return dst
}

// decodeRecord decodes a single record from buf, which must contain the
// record exactly. The checksum is always verified.
func decodeRecord(buf []byte) (*record, error) {
	if len(buf) < recordHeaderSize {
		return nil, errors.Wrap(storage.ErrCorruptedData, "record shorter than header")
	}

	crc := binary.BigEndian.Uint32(buf)
	timestamp := int64(binary.BigEndian.Uint64(buf[4:]))
	keyLen := binary.BigEndian.Uint32(buf[12:])
	valueLen := binary.BigEndian.Uint32(buf[16:])

	tombstone := valueLen == tombstoneLen

	want := recordHeaderSize + int(keyLen)
	if !tombstone {
		want += int(valueLen)
	}
	if keyLen == 0 || keyLen > maxKeyLen || (!tombstone && valueLen > maxValueLen) || len(buf) != want {
		return nil, errors.Wrapf(storage.ErrCorruptedData, "invalid record header (key_len=%d value_len=%d buf=%d)", keyLen, valueLen, len(buf))
	}

	if c := crc32.Checksum(buf[4:], castagnoliTable); c != crc {
		return nil, errors.Wrapf(storage.ErrCorruptedData, "checksum mismatch: stored %d, calculated %d", crc, c)
	}

	r := &record{
		key:       buf[recordHeaderSize : recordHeaderSize+keyLen],
		tombstone: tombstone,
		timestamp: timestamp,
	}
	if !tombstone {
		r.value = buf[recordHeaderSize+keyLen:]
	}
	return r, nil
}

// readRecord reads the next record from a sequential reader. io.EOF is
// returned at a clean record boundary; io.ErrUnexpectedEOF when the reader
// ends inside a record.
func readRecord(rd io.Reader) (*record, int64, error) {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(rd, header[:1]); err != nil {
		return nil, 0, err
	}
	if _, err := io.ReadFull(rd, header[1:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}

	keyLen := binary.BigEndian.Uint32(header[12:])
	valueLen := binary.BigEndian.Uint32(header[16:])
	tombstone := valueLen == tombstoneLen

	if keyLen == 0 || keyLen > maxKeyLen || (!tombstone && valueLen > maxValueLen) {
		return nil, 0, errors.Wrapf(storage.ErrCorruptedData, "invalid record header (key_len=%d value_len=%d)", keyLen, valueLen)
	}

	bodyLen := int(keyLen)
	if !tombstone {
		bodyLen += int(valueLen)
	}

	buf := make([]byte, recordHeaderSize+bodyLen)
	copy(buf, header)
	if _, err := io.ReadFull(rd, buf[recordHeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}

	rec, err := decodeRecord(buf)
	if err != nil {
		return nil, 0, err
	}
	return rec, int64(len(buf)), nil
}
