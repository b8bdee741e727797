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
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("strata-request")
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if buf.Len() != 4+len(payload) {
		t.Fatalf("framed size = %d, want %d", buf.Len(), 4+len(payload))
	}

	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Length != int32(len(payload)) || !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("frame = {%d, %q}, want {%d, %q}", frame.Length, frame.Payload, len(payload), payload)
	}
}

func TestReadFrameRejectsHugeLength(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], maxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(prefix[:])); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestReadFrameNegativeLength(t *testing.T) {
	buf := bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(buf); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestReadFrameShortPayload(t *testing.T) {
	buf := bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x08, 0x01, 0x02})
	if _, err := ReadFrame(buf); err == nil {
		t.Fatal("expected error on short payload")
	}
}
