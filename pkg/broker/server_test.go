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

package broker

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/novatechflow/strata/pkg/protocol"
)

// stubHandler answers ApiVersions and Metadata and records the context the
// server handed it.
type stubHandler struct {
	lastCtx context.Context
}

func (h *stubHandler) Handle(ctx context.Context, header *protocol.RequestHeader, req protocol.Request) ([]byte, error) {
	h.lastCtx = ctx
	switch req.(type) {
	case *protocol.ApiVersionsRequest:
		resp := &protocol.ApiVersionsResponse{
			CorrelationID: header.CorrelationID,
			Versions:      []protocol.ApiVersion{{APIKey: protocol.APIKeyApiVersion}},
		}
		return protocol.EncodeApiVersionsResponse(resp)
	case *protocol.MetadataRequest:
		resp := &protocol.MetadataResponse{
			CorrelationID: header.CorrelationID,
			Brokers:       []protocol.MetadataBroker{{NodeID: 1, Host: "localhost", Port: 9092}},
			ControllerID:  1,
			Topics:        []protocol.MetadataTopic{{Name: "orders"}},
		}
		return protocol.EncodeMetadataResponse(resp, header.APIVersion)
	default:
		return nil, errors.New("api not wired in this stub")
	}
}

func appendInt16(b []byte, v int16) []byte {
	return binary.BigEndian.AppendUint16(b, uint16(v))
}

func appendInt32(b []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(v))
}

func appendString(b []byte, s string) []byte {
	b = appendInt16(b, int16(len(s)))
	return append(b, s...)
}

// requestImage lays out a version 0 request header; an empty clientID maps to
// the null string.
func requestImage(key int16, correlation int32, clientID string) []byte {
	b := appendInt16(nil, key)
	b = appendInt16(b, 0)
	b = appendInt32(b, correlation)
	if clientID == "" {
		return appendInt16(b, -1)
	}
	return appendString(b, clientID)
}

func metadataImage(correlation int32) []byte {
	b := requestImage(protocol.APIKeyMetadata, correlation, "tester")
	b = appendInt32(b, 1)
	return appendString(b, "orders")
}

// startPipeServer runs serveConnection against an in-memory pipe and returns
// the client side plus a channel closed when the serve loop exits.
func startPipeServer(t *testing.T, ctx context.Context, h Handler) (net.Conn, <-chan struct{}) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	srv := &Server{Handler: h}
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.serveConnection(ctx, serverConn)
	}()
	return clientConn, done
}

func exchange(t *testing.T, conn net.Conn, image []byte) *protocol.Frame {
	t.Helper()
	if err := protocol.WriteFrame(conn, image); err != nil {
		t.Fatalf("write request: %v", err)
	}
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return frame
}

func correlationOf(t *testing.T, payload []byte) int32 {
	t.Helper()
	if len(payload) < 4 {
		t.Fatalf("response payload too short: %d bytes", len(payload))
	}
	return int32(binary.BigEndian.Uint32(payload[:4]))
}

func waitServeExit(t *testing.T, done <-chan struct{}, reason string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal(reason)
	}
}

func TestServeConnectionApiVersions(t *testing.T) {
	conn, done := startPipeServer(t, context.Background(), &stubHandler{})

	frame := exchange(t, conn, requestImage(protocol.APIKeyApiVersion, 42, ""))
	if corr := correlationOf(t, frame.Payload); corr != 42 {
		t.Fatalf("correlation id: got %d, want 42", corr)
	}

	conn.Close()
	waitServeExit(t, done, "serve loop survived the disconnect")
}

func TestServeConnectionMetadata(t *testing.T) {
	conn, done := startPipeServer(t, context.Background(), &stubHandler{})

	frame := exchange(t, conn, metadataImage(5))
	if corr := correlationOf(t, frame.Payload); corr != 5 {
		t.Fatalf("correlation id: got %d, want 5", corr)
	}

	conn.Close()
	waitServeExit(t, done, "serve loop survived the disconnect")
}

func TestServeConnectionMalformedRequestClosesConnection(t *testing.T) {
	conn, done := startPipeServer(t, context.Background(), &stubHandler{})

	// A frame holding a truncated header cannot be parsed; the server must
	// drop the connection rather than answer.
	if err := protocol.WriteFrame(conn, []byte{0x00}); err != nil {
		t.Fatalf("write request: %v", err)
	}
	waitServeExit(t, done, "serve loop kept a connection with an undecodable frame")
}

func TestServeConnectionCancelsRequestContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := &stubHandler{}
	conn, done := startPipeServer(t, ctx, h)

	exchange(t, conn, requestImage(protocol.APIKeyApiVersion, 7, ""))

	cancel()
	select {
	case <-h.lastCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("request context does not descend from the serve context")
	}

	conn.Close()
	<-done
}

func TestListenAndServeShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := &Server{Addr: "127.0.0.1:0", Handler: &stubHandler{}}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx)
	}()

	// Give the listener a beat to come up before asking it to stop.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if errors.Is(err, syscall.EPERM) {
			t.Skip("binding sockets not permitted in sandbox")
		}
		if err != nil {
			t.Fatalf("ListenAndServe: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never exited after cancel")
	}
	srv.Wait()
}
