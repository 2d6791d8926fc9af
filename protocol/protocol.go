// Package protocol defines the wire format shared by the server and the
// client: length-delimited frames carrying a versioned binary encoding of
// one request or one response. A connection is a strict request-then-
// response exchange; a malformed frame compromises framing and the
// receiver is expected to close the connection.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Version is the encoding version written into every payload. A decoder
// rejects payloads from a different version.
const Version = 1

// MaxFrameSize bounds the declared payload length of a frame. Anything
// larger is treated as a framing error, not an allocation request.
const MaxFrameSize = 16 << 20

const frameHeaderSize = 4

// ErrProtocol reports a malformed frame or payload. Framing is compromised
// once it is returned; the connection it came from must be closed.
var ErrProtocol = errors.New("protocol error")

type Op byte

const (
	OpSet Op = iota + 1
	OpGet
	OpRemove
	OpList
)

func (op Op) String() string {
	switch op {
	case OpSet:
		return "set"
	case OpGet:
		return "get"
	case OpRemove:
		return "remove"
	case OpList:
		return "list"
	default:
		return "unknown"
	}
}

type Status byte

const (
	StatusOK Status = iota + 1
	StatusNotFound
	StatusError
)

// Request carries exactly one command.
type Request struct {
	Op    Op
	Key   string
	Value []byte
}

// Response carries exactly one outcome. Value is set for a successful Get,
// Keys for a successful List, Message for StatusError.
type Response struct {
	Status  Status
	Value   []byte
	Keys    []string
	Message string
}

// WriteFrame writes a length-delimited frame. A payload over MaxFrameSize
// is rejected before any byte is written, so framing on w stays intact.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return errors.Wrapf(ErrProtocol, "frame payload of %d bytes exceeds limit", len(payload))
	}

	buf := getBytes()
	defer putBytes(buf)

	*buf = binary.BigEndian.AppendUint32((*buf)[:0], uint32(len(payload)))
	*buf = append(*buf, payload...)

	if _, err := w.Write(*buf); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// ReadFrame reads one length-delimited frame. A clean close before the
// first header byte is reported as io.EOF; a frame with an implausible
// declared length is an ErrProtocol.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header[:1]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "read frame header")
	}
	if _, err := io.ReadFull(r, header[1:]); err != nil {
		return nil, errors.Wrap(err, "read frame header")
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 || length > MaxFrameSize {
		return nil, errors.Wrapf(ErrProtocol, "frame declares %d byte payload", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "read frame payload")
	}
	return payload, nil
}

func (r *Request) MarshalBinary() ([]byte, error) {
	if r.Op < OpSet || r.Op > OpList {
		return nil, errors.Wrapf(ErrProtocol, "unknown op %d", r.Op)
	}

	buf := make([]byte, 0, 2+4+len(r.Key)+4+len(r.Value))
	buf = append(buf, Version, byte(r.Op))
	buf = appendBytes(buf, []byte(r.Key))
	buf = appendBytes(buf, r.Value)
	return buf, nil
}

func (r *Request) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return errors.Wrap(ErrProtocol, "request payload too short")
	}
	if data[0] != Version {
		return errors.Wrapf(ErrProtocol, "unsupported version %d", data[0])
	}
	r.Op = Op(data[1])
	if r.Op < OpSet || r.Op > OpList {
		return errors.Wrapf(ErrProtocol, "unknown op %d", data[1])
	}

	rest := data[2:]
	key, rest, err := consumeBytes(rest)
	if err != nil {
		return err
	}
	value, rest, err := consumeBytes(rest)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return errors.Wrapf(ErrProtocol, "%d trailing bytes after request", len(rest))
	}

	r.Key = string(key)
	r.Value = value
	return nil
}

func (r *Response) MarshalBinary() ([]byte, error) {
	if r.Status < StatusOK || r.Status > StatusError {
		return nil, errors.Wrapf(ErrProtocol, "unknown status %d", r.Status)
	}

	buf := []byte{Version, byte(r.Status)}
	buf = appendBytes(buf, r.Value)
	buf = appendBytes(buf, []byte(r.Message))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Keys)))
	for _, key := range r.Keys {
		buf = appendBytes(buf, []byte(key))
	}
	return buf, nil
}

func (r *Response) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return errors.Wrap(ErrProtocol, "response payload too short")
	}
	if data[0] != Version {
		return errors.Wrapf(ErrProtocol, "unsupported version %d", data[0])
	}
	r.Status = Status(data[1])
	if r.Status < StatusOK || r.Status > StatusError {
		return errors.Wrapf(ErrProtocol, "unknown status %d", data[1])
	}

	rest := data[2:]
	value, rest, err := consumeBytes(rest)
	if err != nil {
		return err
	}
	message, rest, err := consumeBytes(rest)
	if err != nil {
		return err
	}

	if len(rest) < 4 {
		return errors.Wrap(ErrProtocol, "response truncated before key count")
	}
	count := binary.BigEndian.Uint32(rest)
	rest = rest[4:]
	if count > MaxFrameSize/4 {
		return errors.Wrapf(ErrProtocol, "implausible key count %d", count)
	}

	var keys []string
	for i := uint32(0); i < count; i++ {
		var key []byte
		key, rest, err = consumeBytes(rest)
		if err != nil {
			return err
		}
		keys = append(keys, string(key))
	}
	if len(rest) != 0 {
		return errors.Wrapf(ErrProtocol, "%d trailing bytes after response", len(rest))
	}

	r.Value = value
	r.Message = string(message)
	r.Keys = keys
	return nil
}

// WriteRequest marshals req and writes it as one frame.
func WriteRequest(w io.Writer, req *Request) error {
	payload, err := req.MarshalBinary()
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadRequest reads one frame and decodes a request from it.
func ReadRequest(r io.Reader) (*Request, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	req := &Request{}
	if err := req.UnmarshalBinary(payload); err != nil {
		return nil, err
	}
	return req, nil
}

// WriteResponse marshals resp and writes it as one frame.
func WriteResponse(w io.Writer, resp *Response) error {
	payload, err := resp.MarshalBinary()
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadResponse reads one frame and decodes a response from it.
func ReadResponse(r io.Reader) (*Response, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	resp := &Response{}
	if err := resp.UnmarshalBinary(payload); err != nil {
		return nil, err
	}
	return resp, nil
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func consumeBytes(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, errors.Wrap(ErrProtocol, "truncated length prefix")
	}
	length := binary.BigEndian.Uint32(data)
	data = data[4:]
	if uint32(len(data)) < length {
		return nil, nil, errors.Wrapf(ErrProtocol, "field declares %d bytes, %d remain", length, len(data))
	}
	return data[:length], data[length:], nil
}
