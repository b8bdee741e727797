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
	"math"
)

// byteReader consumes Kafka wire primitives from the front of a buffer.
type byteReader struct {
	rest []byte
}

func newByteReader(b []byte) *byteReader {
	return &byteReader{rest: b}
}

func (r *byteReader) remaining() int {
	return len(r.rest)
}

func (r *byteReader) read(n int) ([]byte, error) {
	if n > len(r.rest) {
		return nil, fmt.Errorf("%w: short buffer, need %d have %d", ErrMalformed, n, len(r.rest))
	}
	b := r.rest[:n]
	r.rest = r.rest[n:]
	return b, nil
}

func (r *byteReader) Int8() (int8, error) {
	b, err := r.read(1)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

func (r *byteReader) Int16() (int16, error) {
	b, err := r.read(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

func (r *byteReader) Int32() (int32, error) {
	b, err := r.read(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (r *byteReader) Int64() (int64, error) {
	b, err := r.read(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (r *byteReader) UUID() ([16]byte, error) {
	var id [16]byte
	b, err := r.read(16)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

func (r *byteReader) Bool() (bool, error) {
	b, err := r.read(1)
	if err != nil {
		return false, err
	}
	if b[0] > 1 {
		return false, fmt.Errorf("%w: bool byte %d", ErrMalformed, b[0])
	}
	return b[0] == 1, nil
}

// String reads a non-null INT16-framed string.
func (r *byteReader) String() (string, error) {
	s, err := r.NullableString()
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", fmt.Errorf("%w: string is null", ErrMalformed)
	}
	return *s, nil
}

func (r *byteReader) NullableString() (*string, error) {
	n, err := r.Int16()
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: string length %d", ErrMalformed, n)
	}
	b, err := r.read(int(n))
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// CompactString reads a non-null compact (uvarint-framed) string.
func (r *byteReader) CompactString() (string, error) {
	s, err := r.CompactNullableString()
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", fmt.Errorf("%w: compact string is null", ErrMalformed)
	}
	return *s, nil
}

func (r *byteReader) CompactNullableString() (*string, error) {
	n, err := r.compactLength()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	b, err := r.read(n)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func (r *byteReader) NullableBytes() ([]byte, error) {
	n, err := r.Int32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	return r.read(int(n))
}

func (r *byteReader) CompactBytes() ([]byte, error) {
	n, err := r.compactLength()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	return r.read(n)
}

func (r *byteReader) UVarint() (uint64, error) {
	v, n := binary.Uvarint(r.rest)
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad uvarint (%d)", ErrMalformed, n)
	}
	r.rest = r.rest[n:]
	return v, nil
}

func (r *byteReader) CompactArrayLen() (int32, error) {
	n, err := r.compactLength()
	return int32(n), err
}

// compactLength decodes the n+1 length convention; -1 means null.
func (r *byteReader) compactLength() (int, error) {
	v, err := r.UVarint()
	if err != nil {
		return 0, err
	}
	return int(v) - 1, nil
}

// SkipTaggedFields discards a tagged-field block: a count, then tag/size
// pairs each followed by size payload bytes.
func (r *byteReader) SkipTaggedFields() error {
	count, err := r.UVarint()
	if err != nil {
		return err
	}
	for ; count > 0; count-- {
		if _, err := r.UVarint(); err != nil {
			return err
		}
		size, err := r.UVarint()
		if err != nil {
			return err
		}
		if _, err := r.read(int(size)); err != nil {
			return err
		}
	}
	return nil
}

// byteWriter accumulates Kafka wire primitives in an append buffer.
type byteWriter struct {
	buf []byte
}

func newByteWriter(capacity int) *byteWriter {
	return &byteWriter{buf: make([]byte, 0, capacity)}
}

func (w *byteWriter) write(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *byteWriter) Int8(v int8) {
	w.buf = append(w.buf, byte(v))
}

func (w *byteWriter) Int16(v int16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(v))
}

func (w *byteWriter) Int32(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

func (w *byteWriter) Int64(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

func (w *byteWriter) UUID(id [16]byte) {
	w.buf = append(w.buf, id[:]...)
}

func (w *byteWriter) Bool(v bool) {
	b := byte(0)
	if v {
		b = 1
	}
	w.buf = append(w.buf, b)
}

func (w *byteWriter) String(v string) {
	if len(v) > math.MaxInt16 {
		panic("string too long")
	}
	w.Int16(int16(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *byteWriter) NullableString(v *string) {
	if v == nil {
		w.Int16(-1)
		return
	}
	w.String(*v)
}

func (w *byteWriter) CompactString(v string) {
	w.compactLength(len(v))
	w.buf = append(w.buf, v...)
}

func (w *byteWriter) CompactNullableString(v *string) {
	if v == nil {
		w.compactLength(-1)
		return
	}
	w.CompactString(*v)
}

func (w *byteWriter) NullableBytes(b []byte) {
	if b == nil {
		w.Int32(-1)
		return
	}
	w.Int32(int32(len(b)))
	w.write(b)
}

func (w *byteWriter) CompactBytes(b []byte) {
	if b == nil {
		w.compactLength(-1)
		return
	}
	w.compactLength(len(b))
	w.write(b)
}

func (w *byteWriter) UVarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

func (w *byteWriter) CompactArrayLen(length int) {
	w.compactLength(length)
}

func (w *byteWriter) WriteTaggedFields(count int) {
	w.UVarint(uint64(count))
}

// compactLength encodes the n+1 length convention; negative means null.
func (w *byteWriter) compactLength(length int) {
	if length < 0 {
		w.UVarint(0)
		return
	}
	w.UVarint(uint64(length) + 1)
}

func (w *byteWriter) Bytes() []byte {
	return w.buf
}
