// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Unwrap splits frames at the first empty delimiter into the routing
// envelope and the payload. ok is false when there is no delimiter, in which
// case envelope is nil and payload is frames.
func Unwrap(frames [][]byte) (envelope, payload [][]byte, ok bool) {
	for i, frame := range frames {
		if len(frame) == 0 {
			return frames[:i], frames[i+1:], true
		}
	}
	return nil, frames, false
}

// Wrap is the inverse of Unwrap: envelope, an empty delimiter, then payload.
func Wrap(envelope, payload [][]byte) [][]byte {
	frames := make([][]byte, 0, len(envelope)+1+len(payload))
	frames = append(frames, envelope...)
	frames = append(frames, []byte{})
	return append(frames, payload...)
}

// FormatAddress renders a connection address as 0x followed by uppercase hex.
// This is the form used in logs and audit records.
func FormatAddress(address []byte) string {
	return "0x" + strings.ToUpper(hex.EncodeToString(address))
}

// ParseAddress decodes an address rendered by FormatAddress.
func ParseAddress(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") {
		return nil, fmt.Errorf("mdp: address %q missing 0x prefix", s)
	}
	address, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, fmt.Errorf("mdp: invalid address %q: %w", s, err)
	}
	return address, nil
}

func cloneFrames(frames [][]byte) [][]byte {
	clone := make([][]byte, len(frames))
	for i, frame := range frames {
		clone[i] = append([]byte{}, frame...)
	}
	return clone
}
