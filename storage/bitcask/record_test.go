package bitcask

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldmanfleming/smoldb/storage"
)

func TestRecordRoundTrip(t *testing.T) {
	rec := &record{key: []byte("key1"), value: []byte("value1"), timestamp: 42}

	buf := encodeRecord(nil, rec)
	require.Equal(t, rec.encodedLen(), int64(len(buf)))

	got, err := decodeRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, rec.key, got.key)
	assert.Equal(t, rec.value, got.value)
	assert.Equal(t, rec.timestamp, got.timestamp)
	assert.False(t, got.tombstone)
}

func TestRecordTombstoneDistinctFromEmptyValue(t *testing.T) {
	tomb := encodeRecord(nil, &record{key: []byte("k"), tombstone: true})
	empty := encodeRecord(nil, &record{key: []byte("k"), value: []byte{}})

	gotTomb, err := decodeRecord(tomb)
	require.NoError(t, err)
	assert.True(t, gotTomb.tombstone)
	assert.Nil(t, gotTomb.value)

	gotEmpty, err := decodeRecord(empty)
	require.NoError(t, err)
	assert.False(t, gotEmpty.tombstone)
	assert.Empty(t, gotEmpty.value)
}

func TestRecordChecksumMismatch(t *testing.T) {
	buf := encodeRecord(nil, &record{key: []byte("key1"), value: []byte("value1"), timestamp: 42})

	// Flip one byte inside the value region.
	buf[len(buf)-1] ^= 0xFF

	_, err := decodeRecord(buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrCorruptedData))
}

func TestReadRecordTornTail(t *testing.T) {
	buf := encodeRecord(nil, &record{key: []byte("key1"), value: []byte("value1"), timestamp: 42})

	// A clean end of input is io.EOF.
	_, _, err := readRecord(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)

	// Anything that ends inside a record is an unexpected EOF, whether the
	// cut lands in the header or the body.
	for _, cut := range []int{1, recordHeaderSize - 1, recordHeaderSize + 2, len(buf) - 1} {
		_, _, err := readRecord(bytes.NewReader(buf[:cut]))
		assert.True(t, errors.Is(err, io.ErrUnexpectedEOF), "cut at %d: %v", cut, err)
	}

	rec, n, err := readRecord(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, int64(len(buf)), n)
	assert.Equal(t, []byte("key1"), rec.key)
}
