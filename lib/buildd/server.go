// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/codec"
)

// readTimeout is how long the server waits for a request after accept.
const readTimeout = 30 * time.Second

// writeTimeout bounds writing the response.
const writeTimeout = 10 * time.Second

// actionFunc handles one decoded request. The raw message is the full
// request map including "action".
type actionFunc func(ctx context.Context, raw []byte) (any, error)

// Server exposes a Worker over the wire protocol.
type Server struct {
	worker   Worker
	logger   *slog.Logger
	handlers map[string]actionFunc

	activeConnections sync.WaitGroup
}

// NewServer returns a server answering requests with worker.
func NewServer(worker Worker, logger *slog.Logger) *Server {
	s := &Server{worker: worker, logger: logger}
	s.handlers = map[string]actionFunc{
		actionStatus: func(ctx context.Context, _ []byte) (any, error) {
			return s.worker.Status(ctx)
		},
		actionBuild: func(ctx context.Context, raw []byte) (any, error) {
			var request BuildRequest
			if err := codec.Unmarshal(raw, &request); err != nil {
				return nil, fmt.Errorf("invalid build request: %w", err)
			}
			if request.Cookie == "" {
				return nil, errors.New("missing required field: build_id")
			}
			return nil, s.worker.Build(ctx, request)
		},
		actionAbort: func(ctx context.Context, _ []byte) (any, error) {
			return nil, s.worker.Abort(ctx)
		},
		actionClean: func(ctx context.Context, _ []byte) (any, error) {
			return nil, s.worker.Clean(ctx)
		},
		actionEcho: func(ctx context.Context, raw []byte) (any, error) {
			var request struct {
				Args []string `cbor:"args"`
			}
			if err := codec.Unmarshal(raw, &request); err != nil {
				return nil, fmt.Errorf("invalid echo request: %w", err)
			}
			return s.worker.Echo(ctx, request.Args...)
		},
		actionInfo: func(ctx context.Context, _ []byte) (any, error) {
			return s.worker.Info(ctx)
		},
	}
	return s
}

// Serve accepts connections on listener until ctx is cancelled, then
// waits for in-flight requests and returns. The listener is closed on
// return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("worker server listening", "address", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxMessageSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, "missing required field: action")
		return
	}

	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeError(conn, fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	result, err := handler(ctx, []byte(raw))
	if err != nil {
		s.logger.Debug("action failed", "action", header.Action, "error", err)
		s.writeError(conn, err.Error())
		return
	}
	s.writeSuccess(conn, result)
}

func (s *Server) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{OK: false, Error: message}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

func (s *Server) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}

	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}
