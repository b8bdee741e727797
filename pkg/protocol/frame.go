// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Frame is one length-prefixed message off the wire.
type Frame struct {
	Length  int32
	Payload []byte
}

// maxFrameSize bounds a single frame so a bad length prefix cannot force a
// giant allocation.
const maxFrameSize = 100 << 20

// ReadFrame reads one size-prefixed frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("frame length prefix: %w", err)
	}
	n := int32(binary.BigEndian.Uint32(prefix[:]))
	if n < 0 || n > maxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d", ErrMalformed, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("frame payload: %w", err)
	}
	return &Frame{Length: n, Payload: payload}, nil
}

// WriteFrame writes payload behind its length prefix as a single Write.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > math.MaxInt32 {
		return fmt.Errorf("payload too large: %d", len(payload))
	}
	buf := make([]byte, 0, 4+len(payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
