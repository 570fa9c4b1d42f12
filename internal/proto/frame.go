// Package proto implements the length-delimited frame format shared by the
// ingest server and its clients (local delivery hook, observer/journal
// publishers, remote client).
package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"syscall"
)

// Magic is the fixed 4-byte frame prefix: 'B' 'N' 'C' 'E'.
var Magic = [4]byte{'B', 'N', 'C', 'E'}

// Ack is written by the server after a frame has been processed.
var Ack = [3]byte{'O', 'K', '\n'}

const (
	// DefaultMaxHeaderLen is the header size limit enforced by the ingest server.
	DefaultMaxHeaderLen = 64 * 1024
	// DefaultMaxBodyLen is the body size limit enforced by the ingest server.
	DefaultMaxBodyLen = 25 * 1024 * 1024
)

var (
	ErrInvalidMagic  = errors.New("proto: invalid frame magic")
	ErrHeaderTooLarge = errors.New("proto: header exceeds size limit")
	ErrBodyTooLarge   = errors.New("proto: body exceeds size limit")
	ErrInvalidAck     = errors.New("proto: invalid or missing ack")
)

// Header is the JSON envelope preceding every frame body.
type Header struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Kind   *string `json:"kind,omitempty"`
	Source *string `json:"source,omitempty"`
}

// Kind tag values recognized by the ingest server.
const (
	KindHeartbeat     = "heartbeat"
	KindRegister      = "register"
	KindObserverEvent = "observer_event"
)

// EncodeHeader serializes a Header to JSON bytes.
func EncodeHeader(h Header) ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	return b, nil
}

// DecodeHeader parses JSON header bytes.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(b, &h); err != nil {
		return Header{}, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// WriteFrame writes magic, the two length prefixes, the header bytes, and
// the body bytes, in that order. header and body must already fit within
// their respective width limits (uint32 / uint64); callers that enforce
// smaller application limits should do so before calling WriteFrame.
func WriteFrame(w io.Writer, header, body []byte) error {
	if uint64(len(header)) > uint64(^uint32(0)) {
		return fmt.Errorf("proto: header length %d overflows uint32", len(header))
	}

	buf := make([]byte, 4+4+8)
	copy(buf[0:4], Magic[:])
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(header)))
	binary.BigEndian.PutUint64(buf[8:16], uint64(len(body)))

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("proto: write frame prefix: %w", err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("proto: write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("proto: write body: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r, enforcing maxHeaderLen/maxBodyLen.
// An EOF or a connection reset while reading the magic bytes is returned as
// io.EOF so callers can distinguish a clean connection close from a
// mid-frame error; an EOF after the magic is reported as io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, maxHeaderLen, maxBodyLen uint64) (header, body []byte, err error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) {
			return nil, nil, io.EOF
		}
		return nil, nil, fmt.Errorf("proto: read magic: %w", err)
	}
	if magic != Magic {
		return nil, nil, ErrInvalidMagic
	}

	var lens [12]byte
	if _, err := io.ReadFull(r, lens[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, fmt.Errorf("proto: read lengths: %w", err)
	}
	headerLen := uint64(binary.BigEndian.Uint32(lens[0:4]))
	bodyLen := binary.BigEndian.Uint64(lens[4:12])

	if maxHeaderLen > 0 && headerLen > maxHeaderLen {
		return nil, nil, ErrHeaderTooLarge
	}
	if maxBodyLen > 0 && bodyLen > maxBodyLen {
		return nil, nil, ErrBodyTooLarge
	}

	header = make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, fmt.Errorf("proto: read header body: %w", err)
	}
	body = make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, fmt.Errorf("proto: read body: %w", err)
	}
	return header, body, nil
}

// WriteAck writes the 3-byte ACK sequence.
func WriteAck(w io.Writer) error {
	_, err := w.Write(Ack[:])
	if err != nil {
		return fmt.Errorf("proto: write ack: %w", err)
	}
	return nil
}

// ReadAck reads exactly 3 bytes and validates them against Ack.
func ReadAck(r io.Reader) error {
	var got [3]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAck, err)
	}
	if got != Ack {
		return ErrInvalidAck
	}
	return nil
}
