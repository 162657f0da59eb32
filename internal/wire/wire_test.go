package wire

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ping struct{ N int }
type pong struct{ Msg string }

type testCodec struct{}

func (testCodec) TypeOf(msg any) (string, error) {
	switch msg.(type) {
	case ping:
		return "ping", nil
	case pong:
		return "pong", nil
	default:
		return "", fmt.Errorf("unsupported type %T", msg)
	}
}

func (testCodec) New(typ string) (any, error) {
	switch typ {
	case "ping":
		return new(ping), nil
	case "pong":
		return new(pong), nil
	default:
		return nil, fmt.Errorf("unknown type %q", typ)
	}
}

func TestSendControlRecvObject(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cw := New(client, testCodec{})
	sw := New(server, testCodec{})

	go func() {
		_ = cw.SendControl(ping{N: 7})
	}()

	msg, err := sw.RecvObject()
	require.NoError(t, err)
	got, ok := msg.(*ping)
	require.True(t, ok)
	assert.Equal(t, 7, got.N)
}

func TestSendWithDataAndCopyTo(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cw := New(client, testCodec{})
	sw := New(server, testCodec{})

	payload := strings.Repeat("x", 1<<16)
	go func() {
		_, _ = cw.SendWithData(pong{Msg: "hdr"}, strings.NewReader(payload), int64(len(payload)))
	}()

	msg, err := sw.RecvObject()
	require.NoError(t, err)
	hdr, ok := msg.(*pong)
	require.True(t, ok)
	assert.Equal(t, "hdr", hdr.Msg)

	var buf bytes.Buffer
	n, err := sw.CopyTo(&buf, int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, buf.String())
}

func TestRecvObjectEOF(t *testing.T) {
	client, server := net.Pipe()
	sw := New(server, testCodec{})
	client.Close()

	_, err := sw.RecvObject()
	assert.Equal(t, io.EOF, err)
}

func TestFrameExceedsMaxSize(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	cw := New(client, testCodec{})

	huge := strings.Repeat("y", MaxFrameSize+1)
	err := cw.SendControl(pong{Msg: huge})
	require.Error(t, err)
	// Once fatal, any further call on the same Wire is rejected outright.
	err = cw.SendControl(ping{N: 1})
	assert.ErrorIs(t, err, ErrClosed)
}
