package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	Version      uint8 = 1
	MaxFrameSize       = 1024 * 1024 // 1MB
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Frame is the unit written on a connection. Requests and their responses
// share the same ID.
type Frame struct {
	Version uint8              `msgpack:"v"`
	ID      string             `msgpack:"id"`
	Type    Op                 `msgpack:"type"`
	Error   *Error             `msgpack:"error,omitempty"`
	Body    msgpack.RawMessage `msgpack:"body,omitempty"`
}

func NewRequestFrame(req Request) (*Frame, error) {
	body, err := msgpack.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", req.Op(), err)
	}
	return &Frame{Version: Version, ID: uuid.NewString(), Type: req.Op(), Body: body}, nil
}

func NewResponseFrame(id string, op Op, resp any) (*Frame, error) {
	body, err := msgpack.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s response: %w", op, err)
	}
	return &Frame{Version: Version, ID: id, Type: op, Body: body}, nil
}

func NewErrorFrame(id string, op Op, e *Error) *Frame {
	return &Frame{Version: Version, ID: id, Type: op, Error: e}
}

// Decode unmarshals the frame body into v.
func (f *Frame) Decode(v any) error {
	if err := msgpack.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("failed to decode %s body: %w", f.Type, err)
	}
	return nil
}

// DecodeRequest returns the typed request carried by f.
func DecodeRequest(f *Frame) (Request, error) {
	if f.Version != Version {
		return nil, fmt.Errorf("unsupported protocol version %d", f.Version)
	}
	var req Request
	switch f.Type {
	case OpPing:
		req = &PingRequest{}
	case OpStore:
		req = &StoreRequest{}
	case OpFindNode:
		req = &FindNodeRequest{}
	case OpFindValue:
		req = &FindValueRequest{}
	default:
		return nil, fmt.Errorf("unknown request type %d", f.Type)
	}
	if err := f.Decode(req); err != nil {
		return nil, err
	}
	return req, nil
}

// WriteFrame writes a big-endian uint32 length followed by the encoded frame.
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads a single length-prefixed frame.
func ReadFrame(r io.Reader) (*Frame, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, errors.New("empty frame")
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	f := &Frame{}
	if err := msgpack.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return f, nil
}
