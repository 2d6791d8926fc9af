package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	want := &Request{Op: OpSet, Key: "key1", Value: []byte("value1")}
	require.NoError(t, WriteRequest(&buf, want))

	got, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// The stream must be fully consumed: framing never leaves residue.
	assert.Zero(t, buf.Len())
}

func TestResponseRoundTrip(t *testing.T) {
	for _, want := range []*Response{
		{Status: StatusOK, Value: []byte("value1")},
		{Status: StatusOK, Keys: []string{"key1", "key2"}},
		{Status: StatusNotFound},
		{Status: StatusError, Message: "key not found"},
	} {
		var buf bytes.Buffer
		require.NoError(t, WriteResponse(&buf, want))

		got, err := ReadResponse(&buf)
		require.NoError(t, err)
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, want.Message, got.Message)
		assert.Equal(t, want.Keys, got.Keys)
		if len(want.Value) > 0 {
			assert.Equal(t, want.Value, got.Value)
		}
	}
}

func TestReadFrameCleanClose(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameRejectsBadLengths(t *testing.T) {
	var zero [4]byte
	_, err := ReadFrame(bytes.NewReader(zero[:]))
	assert.True(t, errors.Is(err, ErrProtocol), "zero-length frame: %v", err)

	huge := binary.BigEndian.AppendUint32(nil, MaxFrameSize+1)
	_, err = ReadFrame(bytes.NewReader(huge))
	assert.True(t, errors.Is(err, ErrProtocol), "oversized frame: %v", err)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer

	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	assert.True(t, errors.Is(err, ErrProtocol), "oversized payload: %v", err)

	// Nothing reached the writer, so the stream is still usable.
	assert.Zero(t, buf.Len())
	require.NoError(t, WriteFrame(&buf, []byte("still fine")))
}

func TestUnmarshalRejectsMalformedPayloads(t *testing.T) {
	valid, err := (&Request{Op: OpGet, Key: "key1"}).MarshalBinary()
	require.NoError(t, err)

	for name, payload := range map[string][]byte{
		"empty":           {},
		"bad version":     {Version + 1, byte(OpGet)},
		"unknown op":      {Version, 99},
		"truncated field": valid[:len(valid)-2],
		"trailing bytes":  append(append([]byte{}, valid...), 0x00),
	} {
		err := (&Request{}).UnmarshalBinary(payload)
		assert.True(t, errors.Is(err, ErrProtocol), "%s: %v", name, err)
	}

	for name, payload := range map[string][]byte{
		"empty":          {},
		"bad version":    {Version + 1, byte(StatusOK)},
		"unknown status": {Version, 99},
	} {
		err := (&Response{}).UnmarshalBinary(payload)
		assert.True(t, errors.Is(err, ErrProtocol), "%s: %v", name, err)
	}
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "set", OpSet.String())
	assert.Equal(t, "unknown", Op(42).String())
}
