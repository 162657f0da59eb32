// Package wire implements the length-prefixed framed stream described in
// SPEC_FULL.md §4.1: a 4-byte big-endian length header followed by a
// tagged-union JSON payload, plus a "raw tail" mode that lets a File
// header be immediately followed by a run of raw bytes of declared length
// (SendWithData's and CopyTo's n, the File header's Size), streamed
// straight into a sink, without round-tripping file
// contents through the JSON encoder.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// MaxFrameSize bounds a single frame's declared length, guarding against a
// corrupt or hostile peer claiming an unbounded allocation.
const MaxFrameSize = 64 << 20 // 64 MiB

// ErrClosed is returned by any call made on a Wire after a fatal framing
// error has already torn it down.
var ErrClosed = errors.New("wire: stream closed after fatal framing error")

// envelope is the tagged-union wrapper every message travels in.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Codec maps a message's wire Type string to a zero value it can be
// unmarshaled into, and back. internal/protocol supplies the concrete
// registry; wire stays agnostic of any specific message catalogue.
type Codec interface {
	TypeOf(msg any) (string, error)
	New(typ string) (any, error)
}

// Wire is a framed, length-prefixed duplex stream over a net.Conn.
type Wire struct {
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	codec  Codec
	mu     sync.Mutex // serializes writes; a Wire may be shared (e.g. control stream)
	closed atomic.Bool
}

// New wraps conn as a framed Wire using codec to encode/decode messages.
func New(conn net.Conn, codec Codec) *Wire {
	return &Wire{
		conn:  conn,
		r:     bufio.NewReaderSize(conn, 32*1024),
		w:     bufio.NewWriterSize(conn, 32*1024),
		codec: codec,
	}
}

func (s *Wire) fatal(err error) error {
	s.closed.Store(true)
	_ = s.conn.Close()
	return err
}

// Conn returns the underlying connection (for deadlines, remote addr, etc).
func (s *Wire) Conn() net.Conn { return s.conn }

func (s *Wire) writeFrame(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return s.fatal(fmt.Errorf("wire: frame of %d bytes exceeds max %d", len(payload), MaxFrameSize))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := s.w.Write(hdr[:]); err != nil {
		return s.fatal(fmt.Errorf("wire: write frame header: %w", err))
	}
	if _, err := s.w.Write(payload); err != nil {
		return s.fatal(fmt.Errorf("wire: write frame body: %w", err))
	}
	return nil
}

func (s *Wire) encode(msg any) ([]byte, error) {
	typ, err := s.codec.TypeOf(msg)
	if err != nil {
		return nil, s.fatal(fmt.Errorf("wire: %w", err))
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, s.fatal(fmt.Errorf("wire: marshal %s: %w", typ, err))
	}
	payload, err := json.Marshal(envelope{Type: typ, Data: data})
	if err != nil {
		return nil, s.fatal(fmt.Errorf("wire: marshal envelope: %w", err))
	}
	return payload, nil
}

// SendControl serializes msg and flushes immediately. Use for
// latency-sensitive control messages (DirectoryCreated, SourceDone, ...).
func (s *Wire) SendControl(msg any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	payload, err := s.encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeFrame(payload); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return s.fatal(fmt.Errorf("wire: flush: %w", err))
	}
	return nil
}

// SendBatch serializes msg but does not flush, letting it coalesce with
// whatever is sent next. Used for skeleton streaming where throughput
// matters more than per-message latency.
func (s *Wire) SendBatch(msg any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	payload, err := s.encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeFrame(payload)
}

// Flush forces out anything buffered by SendBatch.
func (s *Wire) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return s.fatal(fmt.Errorf("wire: flush: %w", err))
	}
	return nil
}

// SendWithData sends a framed header message and then streams exactly n
// bytes from r onto the same connection, after the frame, with no further
// framing until the next message. This is how a File header is followed
// by its raw contents.
func (s *Wire) SendWithData(header any, r io.Reader, n int64) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	payload, err := s.encode(header)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeFrame(payload); err != nil {
		return 0, err
	}
	if err := s.w.Flush(); err != nil {
		return 0, s.fatal(fmt.Errorf("wire: flush before data tail: %w", err))
	}
	copied, err := io.CopyN(s.conn, r, n)
	if err != nil {
		return copied, s.fatal(fmt.Errorf("wire: send %d data bytes: %w", n, err))
	}
	return copied, nil
}

// RecvObject reads the next frame and decodes it through the codec. It
// returns io.EOF when the peer has closed the stream cleanly.
func (s *Wire) RecvObject() (any, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var hdr [4]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, s.fatal(fmt.Errorf("wire: read frame header: %w", err))
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, s.fatal(fmt.Errorf("wire: frame of %d bytes exceeds max %d", n, MaxFrameSize))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, s.fatal(fmt.Errorf("wire: read frame body: %w", err))
	}
	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return nil, s.fatal(fmt.Errorf("wire: unmarshal envelope: %w", err))
	}
	msg, err := s.codec.New(env.Type)
	if err != nil {
		return nil, s.fatal(fmt.Errorf("wire: %w", err))
	}
	if err := json.Unmarshal(env.Data, msg); err != nil {
		return nil, s.fatal(fmt.Errorf("wire: unmarshal %s: %w", env.Type, err))
	}
	return msg, nil
}

// CopyTo drains exactly n bytes of raw tail data (the payload following a
// File header) into w: first whatever the bufio.Reader already has
// buffered, then directly from the connection.
func (s *Wire) CopyTo(w io.Writer, n int64) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	copied, err := io.CopyN(w, s.r, n)
	if err != nil {
		return copied, s.fatal(fmt.Errorf("wire: copy %d data bytes: %w", n, err))
	}
	return copied, nil
}

// Close closes the underlying connection.
func (s *Wire) Close() error {
	s.closed.Store(true)
	return s.conn.Close()
}
