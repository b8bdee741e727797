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
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/novatechflow/strata/pkg/protocol"
)

// Handler processes parsed Kafka protocol requests and returns the response
// payload. A nil payload with a nil error means no response is owed (acks=0
// produce); a non-nil error is connection fatal.
type Handler interface {
	Handle(ctx context.Context, header *protocol.RequestHeader, req protocol.Request) ([]byte, error)
}

// Server accepts Kafka protocol connections and runs one request loop per
// connection. The context given to ListenAndServe bounds every in-flight
// request: cancelling it closes the listener and all live connections, so
// long-polling fetches unwind instead of holding shutdown hostage.
type Server struct {
	Addr    string
	Handler Handler
	Logger  *slog.Logger

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// ListenAndServe accepts Kafka protocol connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Handler == nil {
		return errors.New("broker.Server requires a Handler")
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log().Info("broker listening", "addr", ln.Addr().String())
	context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.closeConns()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log().Warn("accept failed, retrying", "error", err)
				continue
			}
			return err
		}
		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConnection(ctx, conn)
		}()
	}
}

// Wait blocks until every connection goroutine has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// ListenAddress returns the actual listener address once the server has
// started, which matters when Addr asked for port 0.
func (s *Server) ListenAddress() string {
	if s.listener == nil {
		return s.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) serveConnection(ctx context.Context, conn net.Conn) {
	// Request contexts descend from the serve context; a dying connection
	// or a shutting-down server cancels whatever is still being handled.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()
	log := s.log().With("remote", conn.RemoteAddr().String())
	for s.serveOne(ctx, conn, log) {
	}
}

// serveOne reads, handles, and answers a single request. It reports whether
// the connection can carry another.
func (s *Server) serveOne(ctx context.Context, conn net.Conn, log *slog.Logger) bool {
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			log.Warn("read frame failed", "error", err)
		}
		return false
	}
	header, req, err := protocol.ParseRequest(frame.Payload)
	if err != nil {
		// A frame we cannot decode leaves the stream position unknown;
		// the only safe answer is to drop the connection.
		log.Warn("request decode failed", "error", err, "payload_bytes", len(frame.Payload))
		return false
	}
	payload, err := s.Handler.Handle(ctx, header, req)
	if err != nil {
		log.Warn("request handling failed",
			"api_key", header.APIKey,
			"api_version", header.APIVersion,
			"correlation", header.CorrelationID,
			"error", err)
		return false
	}
	if payload == nil {
		return true
	}
	if err := protocol.WriteFrame(conn, payload); err != nil {
		log.Warn("write frame failed", "error", err)
		return false
	}
	return true
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
}

func (s *Server) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
