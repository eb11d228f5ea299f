// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package majordomo implements the Majordomo Protocol (MDP/0.1) as specified by:
// https://rfc.zeromq.org/spec/7/
//
// The package provides the frame codec, the broker mediator, the worker
// session and a blocking client. Frame builders and parsers in this file
// are pure: they only lay out and inspect [][]byte sequences and never
// touch a socket.
package majordomo

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Protocol constants as per RFC 7/MDP
const (
	// Client protocol identifier
	ClientProtocol = "MDPC01"

	// Worker protocol identifier
	WorkerProtocol = "MDPW01"

	// InternalPrefix marks broker-local services answered by the broker itself.
	InternalPrefix = "mmi."

	// ServiceDiscovery is the only internal service the broker implements.
	ServiceDiscovery ServiceName = InternalPrefix + "service"

	maxServiceNameLen = 255
)

// Command is a worker protocol command byte.
type Command byte

// Worker commands as per MDP specification
const (
	CommandReady      Command = 0x01
	CommandRequest    Command = 0x02
	CommandReply      Command = 0x03
	CommandHeartbeat  Command = 0x04
	CommandDisconnect Command = 0x05
)

func (c Command) String() string {
	switch c {
	case CommandReady:
		return "READY"
	case CommandRequest:
		return "REQUEST"
	case CommandReply:
		return "REPLY"
	case CommandHeartbeat:
		return "HEARTBEAT"
	case CommandDisconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("Command(0x%02x)", byte(c))
	}
}

func (c Command) valid() bool {
	return c >= CommandReady && c <= CommandDisconnect
}

// ErrMalformed is wrapped by every parse failure. Malformed messages are
// dropped by the broker and the worker; they are never retried.
var ErrMalformed = errors.New("mdp: malformed message")

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// ServiceName represents a MDP service name
type ServiceName string

// String returns the service name as a string
func (s ServiceName) String() string {
	return string(s)
}

// Validate checks if the service name is valid
func (s ServiceName) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("mdp: empty service name")
	}
	if len(s) > maxServiceNameLen {
		return fmt.Errorf("mdp: service name too long: %d bytes (max %d)", len(s), maxServiceNameLen)
	}
	if !utf8.ValidString(string(s)) {
		return fmt.Errorf("mdp: service name is not valid UTF-8")
	}
	return nil
}

// Normalize returns the NFC form of the name. Registries are keyed by the
// normalized form so that canonically equivalent names reach the same service.
func (s ServiceName) Normalize() ServiceName {
	return ServiceName(norm.NFC.String(string(s)))
}

// IsInternal reports whether the name carries the given internal prefix.
func (s ServiceName) IsInternal(prefix string) bool {
	return prefix != "" && len(s) >= len(prefix) && string(s[:len(prefix)]) == prefix
}

func parseServiceName(frame []byte) (ServiceName, error) {
	name := ServiceName(frame)
	if err := name.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return name.Normalize(), nil
}

// ClientRequest builds a client REQUEST as sent by a DEALER client:
// [empty][MDPC01][service][body...]
func ClientRequest(service ServiceName, body ...[]byte) [][]byte {
	frames := make([][]byte, 0, 3+len(body))
	frames = append(frames, []byte{}, []byte(ClientProtocol), []byte(service))
	return append(frames, body...)
}

// ClientReply builds the broker's reply to a client, routed by its address:
// [client][empty][MDPC01][service][body...]
func ClientReply(client []byte, service ServiceName, body ...[]byte) [][]byte {
	return Route(client, ClientRequest(service, body...))
}

// WorkerReady builds [empty][MDPW01][READY][service].
func WorkerReady(service ServiceName) [][]byte {
	return workerCommand(CommandReady, []byte(service))
}

// WorkerHeartbeat builds [empty][MDPW01][HEARTBEAT].
func WorkerHeartbeat() [][]byte {
	return workerCommand(CommandHeartbeat)
}

// WorkerDisconnect builds [empty][MDPW01][DISCONNECT].
func WorkerDisconnect() [][]byte {
	return workerCommand(CommandDisconnect)
}

// WorkerRequest builds the dispatch frames the broker sends to a worker,
// before routing: [empty][MDPW01][REQUEST][client][empty][body...]
func WorkerRequest(client []byte, body ...[]byte) [][]byte {
	return workerCommand(CommandRequest, Wrap([][]byte{client}, body)...)
}

// WorkerReply builds [empty][MDPW01][REPLY][client][empty][body...].
func WorkerReply(client []byte, body ...[]byte) [][]byte {
	return workerCommand(CommandReply, Wrap([][]byte{client}, body)...)
}

func workerCommand(cmd Command, rest ...[]byte) [][]byte {
	frames := make([][]byte, 0, 3+len(rest))
	frames = append(frames, []byte{}, []byte(WorkerProtocol), []byte{byte(cmd)})
	return append(frames, rest...)
}

// Route prepends a routing address, as a ROUTER socket expects on send.
func Route(address []byte, frames [][]byte) [][]byte {
	routed := make([][]byte, 0, len(frames)+1)
	routed = append(routed, address)
	return append(routed, frames...)
}

// ClientMessage is a client protocol message. Sender is nil when the message
// was read on the client side of the connection.
type ClientMessage struct {
	Sender  []byte
	Service ServiceName
	Body    [][]byte
}

// ParseClientMessage parses a client REQUEST as received on the broker's
// ROUTER socket: [sender][empty][MDPC01][service][body...]
func ParseClientMessage(frames [][]byte) (*ClientMessage, error) {
	if len(frames) < 4 {
		return nil, malformed("client message too short: %d frames", len(frames))
	}
	msg, err := parseClientFrames(frames[1:])
	if err != nil {
		return nil, err
	}
	msg.Sender = frames[0]
	return msg, nil
}

// ParseClientReply parses a broker reply as read by a DEALER client:
// [empty][MDPC01][service][body...]
func ParseClientReply(frames [][]byte) (*ClientMessage, error) {
	if len(frames) < 3 {
		return nil, malformed("client reply too short: %d frames", len(frames))
	}
	return parseClientFrames(frames)
}

func parseClientFrames(frames [][]byte) (*ClientMessage, error) {
	if len(frames[0]) != 0 {
		return nil, malformed("client message missing empty delimiter")
	}
	if string(frames[1]) != ClientProtocol {
		return nil, malformed("invalid client protocol %q", frames[1])
	}
	service, err := parseServiceName(frames[2])
	if err != nil {
		return nil, err
	}
	return &ClientMessage{Service: service, Body: frames[3:]}, nil
}

// WorkerMessage is a worker protocol message. Service is set for READY;
// Client and Body are set for REQUEST and REPLY. Sender is nil when the
// message was read on the worker side of the connection.
type WorkerMessage struct {
	Sender  []byte
	Command Command
	Service ServiceName
	Client  []byte
	Body    [][]byte
}

// ParseWorkerMessage parses a worker message as received on the broker's
// ROUTER socket: [sender][empty][MDPW01][command][...]
func ParseWorkerMessage(frames [][]byte) (*WorkerMessage, error) {
	if len(frames) < 4 {
		return nil, malformed("worker message too short: %d frames", len(frames))
	}
	msg, err := parseWorkerFrames(frames[1:])
	if err != nil {
		return nil, err
	}
	msg.Sender = frames[0]
	return msg, nil
}

// ParseBrokerMessage parses a message as read by a worker's DEALER socket:
// [empty][MDPW01][command][...]
func ParseBrokerMessage(frames [][]byte) (*WorkerMessage, error) {
	if len(frames) < 3 {
		return nil, malformed("worker message too short: %d frames", len(frames))
	}
	return parseWorkerFrames(frames)
}

func parseWorkerFrames(frames [][]byte) (*WorkerMessage, error) {
	if len(frames[0]) != 0 {
		return nil, malformed("worker message missing empty delimiter")
	}
	if string(frames[1]) != WorkerProtocol {
		return nil, malformed("invalid worker protocol %q", frames[1])
	}
	if len(frames[2]) != 1 || !Command(frames[2][0]).valid() {
		return nil, malformed("unknown worker command %q", frames[2])
	}

	msg := &WorkerMessage{Command: Command(frames[2][0])}
	rest := frames[3:]

	switch msg.Command {
	case CommandReady:
		if len(rest) < 1 {
			return nil, malformed("READY missing service name")
		}
		service, err := parseServiceName(rest[0])
		if err != nil {
			return nil, err
		}
		msg.Service = service

	case CommandRequest, CommandReply:
		envelope, body, ok := Unwrap(rest)
		if !ok || len(envelope) == 0 {
			return nil, malformed("%s missing client envelope", msg.Command)
		}
		msg.Client = envelope[0]
		msg.Body = body
	}

	return msg, nil
}
