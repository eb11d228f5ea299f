// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frames(parts ...string) [][]byte {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = []byte(p)
	}
	return out
}

func TestServiceName(t *testing.T) {
	for _, name := range []ServiceName{"echo", "calculator", "file-service", "service.with.dots", "caf\u00e9"} {
		assert.NoError(t, name.Validate(), "valid service name %q", name)
	}

	for _, name := range []ServiceName{"", ServiceName(strings.Repeat("x", 256)), ServiceName([]byte{0xff, 0xfe})} {
		assert.Error(t, name.Validate(), "invalid service name %q", name)
	}

	assert.NoError(t, ServiceName(strings.Repeat("x", 255)).Validate())
}

func TestServiceNameNormalize(t *testing.T) {
	composed := ServiceName("caf\u00e9")
	decomposed := ServiceName("cafe\u0301")
	require.NotEqual(t, composed, decomposed)
	assert.Equal(t, composed, decomposed.Normalize())
	assert.Equal(t, composed, composed.Normalize())
}

func TestServiceNameIsInternal(t *testing.T) {
	assert.True(t, ServiceName("mmi.service").IsInternal(InternalPrefix))
	assert.True(t, ServiceName("mmi.").IsInternal(InternalPrefix))
	assert.False(t, ServiceName("mmi").IsInternal(InternalPrefix))
	assert.False(t, ServiceName("echo").IsInternal(InternalPrefix))
	assert.False(t, ServiceName("echo").IsInternal(""))
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "READY", CommandReady.String())
	assert.Equal(t, "DISCONNECT", CommandDisconnect.String())
	assert.Equal(t, "Command(0x07)", Command(7).String())
}

func TestClientFrames(t *testing.T) {
	body := []byte("Hello, World!")

	assert.Equal(t, [][]byte{{}, []byte("MDPC01"), []byte("echo"), body}, ClientRequest("echo", body))
	assert.Equal(t,
		[][]byte{[]byte("C1"), {}, []byte("MDPC01"), []byte("echo"), body},
		ClientReply([]byte("C1"), "echo", body))
}

func TestWorkerFrames(t *testing.T) {
	assert.Equal(t, [][]byte{{}, []byte("MDPW01"), {0x01}, []byte("echo")}, WorkerReady("echo"))
	assert.Equal(t, [][]byte{{}, []byte("MDPW01"), {0x04}}, WorkerHeartbeat())
	assert.Equal(t, [][]byte{{}, []byte("MDPW01"), {0x05}}, WorkerDisconnect())
	assert.Equal(t,
		[][]byte{{}, []byte("MDPW01"), {0x02}, []byte("C1"), {}, []byte("a"), []byte("b")},
		WorkerRequest([]byte("C1"), []byte("a"), []byte("b")))
	assert.Equal(t,
		[][]byte{{}, []byte("MDPW01"), {0x03}, []byte("C1"), {}, []byte("done")},
		WorkerReply([]byte("C1"), []byte("done")))
	assert.Equal(t,
		[][]byte{[]byte("W1"), {}, []byte("MDPW01"), {0x04}},
		Route([]byte("W1"), WorkerHeartbeat()))
}

func TestParseClientMessage(t *testing.T) {
	msg, err := ParseClientMessage(ClientReply([]byte("C1"), "echo", []byte("x"), []byte("y")))
	require.NoError(t, err)
	assert.Equal(t, []byte("C1"), msg.Sender)
	assert.Equal(t, ServiceName("echo"), msg.Service)
	assert.Equal(t, frames("x", "y"), msg.Body)

	msg, err = ParseClientMessage(ClientReply([]byte("C1"), "echo"))
	require.NoError(t, err)
	assert.Empty(t, msg.Body)
}

func TestParseClientMessageNormalizesService(t *testing.T) {
	msg, err := ParseClientMessage(ClientReply([]byte("C1"), "cafe\u0301"))
	require.NoError(t, err)
	assert.Equal(t, ServiceName("caf\u00e9"), msg.Service)
}

func TestParseClientMessageMalformed(t *testing.T) {
	tests := []struct {
		name   string
		frames [][]byte
	}{
		{"too short", [][]byte{[]byte("C1"), {}, []byte("MDPC01")}},
		{"no delimiter", [][]byte{[]byte("C1"), []byte("x"), []byte("MDPC01"), []byte("echo")}},
		{"wrong protocol", [][]byte{[]byte("C1"), {}, []byte("MDPC02"), []byte("echo")}},
		{"empty service", [][]byte{[]byte("C1"), {}, []byte("MDPC01"), {}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseClientMessage(tc.frames)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestParseClientReply(t *testing.T) {
	msg, err := ParseClientReply(ClientRequest("echo", []byte{0x01, 0x02}))
	require.NoError(t, err)
	assert.Nil(t, msg.Sender)
	assert.Equal(t, ServiceName("echo"), msg.Service)
	assert.Equal(t, [][]byte{{0x01, 0x02}}, msg.Body)

	_, err = ParseClientReply([][]byte{{}, []byte("MDPC01")})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseWorkerMessage(t *testing.T) {
	msg, err := ParseWorkerMessage(Route([]byte("W1"), WorkerReady("echo")))
	require.NoError(t, err)
	assert.Equal(t, []byte("W1"), msg.Sender)
	assert.Equal(t, CommandReady, msg.Command)
	assert.Equal(t, ServiceName("echo"), msg.Service)

	msg, err = ParseWorkerMessage(Route([]byte("W1"), WorkerReply([]byte("C1"), []byte("r1"), []byte("r2"))))
	require.NoError(t, err)
	assert.Equal(t, CommandReply, msg.Command)
	assert.Equal(t, []byte("C1"), msg.Client)
	assert.Equal(t, frames("r1", "r2"), msg.Body)

	msg, err = ParseWorkerMessage(Route([]byte("W1"), WorkerHeartbeat()))
	require.NoError(t, err)
	assert.Equal(t, CommandHeartbeat, msg.Command)
}

func TestParseWorkerMessageMalformed(t *testing.T) {
	tests := []struct {
		name   string
		frames [][]byte
	}{
		{"too short", [][]byte{[]byte("W1"), {}, []byte("MDPW01")}},
		{"no delimiter", [][]byte{[]byte("W1"), []byte("x"), []byte("MDPW01"), {0x04}}},
		{"wrong protocol", [][]byte{[]byte("W1"), {}, []byte("MDPC01"), {0x04}}},
		{"unknown command", [][]byte{[]byte("W1"), {}, []byte("MDPW01"), {0x09}}},
		{"long command", [][]byte{[]byte("W1"), {}, []byte("MDPW01"), {0x01, 0x01}}},
		{"ready without service", [][]byte{[]byte("W1"), {}, []byte("MDPW01"), {0x01}}},
		{"reply without envelope", [][]byte{[]byte("W1"), {}, []byte("MDPW01"), {0x03}, []byte("C1")}},
		{"reply with empty envelope", [][]byte{[]byte("W1"), {}, []byte("MDPW01"), {0x03}, {}, []byte("x")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseWorkerMessage(tc.frames)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParseBrokerMessage(t *testing.T) {
	msg, err := ParseBrokerMessage(WorkerRequest([]byte("C1"), []byte{0x01, 0x02}))
	require.NoError(t, err)
	assert.Nil(t, msg.Sender)
	assert.Equal(t, CommandRequest, msg.Command)
	assert.Equal(t, []byte("C1"), msg.Client)
	assert.Equal(t, [][]byte{{0x01, 0x02}}, msg.Body)

	msg, err = ParseBrokerMessage(WorkerDisconnect())
	require.NoError(t, err)
	assert.Equal(t, CommandDisconnect, msg.Command)
}

func TestEnvelope(t *testing.T) {
	original := [][]byte{[]byte("a"), []byte("b"), {}, []byte("c"), {}, []byte("d")}

	envelope, payload, ok := Unwrap(original)
	require.True(t, ok)
	assert.Equal(t, frames("a", "b"), envelope)
	assert.Equal(t, [][]byte{[]byte("c"), {}, []byte("d")}, payload)
	assert.Equal(t, original, Wrap(envelope, payload))

	envelope, payload, ok = Unwrap(frames("a", "b"))
	assert.False(t, ok)
	assert.Nil(t, envelope)
	assert.Equal(t, frames("a", "b"), payload)
}

func TestAddress(t *testing.T) {
	assert.Equal(t, "0x006B8B45FF", FormatAddress([]byte{0x00, 0x6b, 0x8b, 0x45, 0xff}))
	assert.Equal(t, "0x", FormatAddress(nil))

	every := make([]byte, 256)
	for i := range every {
		every[i] = byte(i)
	}
	identity := make([]byte, 255)
	for i := range identity {
		identity[i] = byte(255 - i)
	}

	for _, tc := range []struct {
		name    string
		address []byte
	}{
		{"empty", []byte{}},
		{"zero byte", []byte{0x00}},
		{"sample", []byte{0x00, 0x6b, 0x8b, 0x45, 0xff}},
		{"all byte values", every},
		{"long identity", identity},
	} {
		t.Run(tc.name, func(t *testing.T) {
			parsed, err := ParseAddress(FormatAddress(tc.address))
			require.NoError(t, err)
			assert.Equal(t, tc.address, parsed)
		})
	}

	_, err := ParseAddress("006B")
	assert.Error(t, err)
	_, err = ParseAddress("0xZZ")
	assert.Error(t, err)
}

func TestHeartbeat(t *testing.T) {
	hb := DefaultHeartbeat()
	assert.Equal(t, DefaultHeartbeatInterval*4, hb.Expiry())
	assert.Equal(t, DefaultHeartbeatInterval/100, hb.brokerPoll())

	zero := Heartbeat{}.orDefault()
	assert.Equal(t, hb, zero)
}

func TestParseLogLevel(t *testing.T) {
	level, err := ParseLogLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, LogLevelDebug, level)

	level, err = ParseLogLevel("Warning")
	require.NoError(t, err)
	assert.Equal(t, LogLevelWarn, level)

	_, err = ParseLogLevel("verbose")
	assert.Error(t, err)
}
