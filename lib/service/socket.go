// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/velo/lib/codec"
	"github.com/bureau-foundation/velo/lib/metrics"
	"github.com/bureau-foundation/velo/lib/netutil"
	"github.com/bureau-foundation/velo/lib/protocol"
)

// Result is a handler's successful outcome. Data, if non-nil, is
// CBOR-encoded into the response's data field.
type Result struct {
	Generation uint64
	Data       any
}

// ActionFunc processes one request for a specific action. A returned
// error becomes a non-ok response: an *protocol.Error keeps its
// status, anything else goes through the server's Classify function.
type ActionFunc func(ctx context.Context, request *protocol.Request) (Result, error)

// SocketServerConfig configures a SocketServer.
type SocketServerConfig struct {
	SocketPath string
	Logger     *slog.Logger

	// Metrics records per-request counts and latency. Nil disables.
	Metrics *metrics.Metrics

	// Classify maps handler errors to statuses. Defaults to
	// store_error for everything.
	Classify func(error) protocol.Status

	// IdleTimeout closes connections with no request for this long.
	// Defaults to five minutes.
	IdleTimeout time.Duration

	// MaxFrameSize bounds request frames. Defaults to
	// codec.MaxFrameSize.
	MaxFrameSize int

	// SocketMode is applied to the socket file. Defaults to 0600.
	SocketMode os.FileMode
}

// SocketServer serves the framed request/response protocol on a Unix
// socket. Actions are registered with Handle before calling Serve.
type SocketServer struct {
	socketPath   string
	handlers     map[string]ActionFunc
	logger       *slog.Logger
	metrics      *metrics.Metrics
	classify     func(error) protocol.Status
	idleTimeout  time.Duration
	maxFrameSize int
	socketMode   os.FileMode

	ready chan struct{}

	// activeConnections tracks connection goroutines so Serve can
	// wait for them to finish.
	activeConnections sync.WaitGroup

	connectionsMu sync.Mutex
	connections   map[net.Conn]struct{}
}

// writeTimeout bounds writing one response.
const writeTimeout = 10 * time.Second

// NewSocketServer creates a server. Register actions with Handle
// before calling Serve.
func NewSocketServer(config SocketServerConfig) *SocketServer {
	if config.SocketPath == "" {
		panic("service.SocketServer: SocketPath is required")
	}
	if config.Logger == nil {
		panic("service.SocketServer: Logger is required")
	}
	server := &SocketServer{
		socketPath:   config.SocketPath,
		handlers:     make(map[string]ActionFunc),
		logger:       config.Logger,
		metrics:      config.Metrics,
		classify:     config.Classify,
		idleTimeout:  config.IdleTimeout,
		maxFrameSize: config.MaxFrameSize,
		socketMode:   config.SocketMode,
		ready:        make(chan struct{}),
		connections:  make(map[net.Conn]struct{}),
	}
	if server.classify == nil {
		server.classify = func(error) protocol.Status { return protocol.StatusStoreError }
	}
	if server.idleTimeout == 0 {
		server.idleTimeout = 5 * time.Minute
	}
	if server.maxFrameSize == 0 {
		server.maxFrameSize = codec.MaxFrameSize
	}
	if server.socketMode == 0 {
		server.socketMode = 0o600
	}
	return server
}

// Handle registers a handler for an action. Panics on duplicates.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Ready is closed once the socket is listening.
func (s *SocketServer) Ready() <-chan struct{} {
	return s.ready
}

// Serve accepts connections until ctx is cancelled. On cancellation
// it stops accepting, lets in-flight requests finish writing their
// responses, closes every connection, and returns once all connection
// goroutines have exited. The socket file is removed on return.
//
// Any existing file at the socket path is removed before listening.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()
	if err := os.Chmod(s.socketPath, s.socketMode); err != nil {
		return fmt.Errorf("setting socket mode: %w", err)
	}

	// Unblock Accept and idle reads when the context is cancelled.
	stop := context.AfterFunc(ctx, func() {
		listener.Close()
		s.interruptConnections()
	})
	defer stop()

	close(s.ready)
	s.logger.Info("socket server listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.track(conn)
		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			defer s.untrack(conn)
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

func (s *SocketServer) track(conn net.Conn) {
	s.connectionsMu.Lock()
	s.connections[conn] = struct{}{}
	s.connectionsMu.Unlock()
	s.metrics.ConnectionOpened()
}

func (s *SocketServer) untrack(conn net.Conn) {
	s.connectionsMu.Lock()
	delete(s.connections, conn)
	s.connectionsMu.Unlock()
	conn.Close()
	s.metrics.ConnectionClosed()
}

// interruptConnections expires the read deadline of every open
// connection. A connection blocked waiting for its next request
// returns immediately; one in the middle of a request still writes
// its response first.
func (s *SocketServer) interruptConnections() {
	s.connectionsMu.Lock()
	defer s.connectionsMu.Unlock()
	for conn := range s.connections {
		conn.SetReadDeadline(time.Now())
	}
}

// handleConnection serves requests on conn until the client closes
// it, it goes idle, or the server shuts down.
func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		body, err := codec.ReadFrame(conn, s.maxFrameSize)
		if err != nil {
			if errors.Is(err, codec.ErrFrameTooLarge) {
				s.logger.Debug("closing connection after oversized frame", "error", err)
				s.writeResponse(conn, protocol.Response{
					Status: protocol.StatusProtocolError,
					Error:  err.Error(),
				})
				return
			}
			if !netutil.IsExpectedCloseError(err) && !netutil.IsTimeout(err) {
				s.logger.Debug("reading request failed", "error", err)
			}
			return
		}

		response := s.dispatch(ctx, body)
		if !s.writeResponse(conn, response) {
			return
		}
	}
}

// dispatch decodes one request body and runs its handler. Never
// fails: every problem becomes a non-ok response.
func (s *SocketServer) dispatch(ctx context.Context, body []byte) protocol.Response {
	started := time.Now()

	var request protocol.Request
	if err := codec.Unmarshal(body, &request); err != nil {
		s.metrics.ObserveRequest("invalid", string(protocol.StatusProtocolError), time.Since(started))
		return protocol.Response{
			Status: protocol.StatusProtocolError,
			Error:  fmt.Sprintf("invalid request: %v", err),
		}
	}
	if request.Action == "" {
		s.metrics.ObserveRequest("invalid", string(protocol.StatusProtocolError), time.Since(started))
		return protocol.Response{
			Status: protocol.StatusProtocolError,
			Error:  "missing required field: action",
		}
	}
	handler, exists := s.handlers[request.Action]
	if !exists {
		s.metrics.ObserveRequest("unknown", string(protocol.StatusProtocolError), time.Since(started))
		return protocol.Response{
			Status: protocol.StatusProtocolError,
			Error:  fmt.Sprintf("unknown action %q", request.Action),
		}
	}

	result, err := handler(ctx, &request)
	response := s.buildResponse(request.Action, result, err)
	s.metrics.ObserveRequest(request.Action, string(response.Status), time.Since(started))
	return response
}

func (s *SocketServer) buildResponse(action string, result Result, err error) protocol.Response {
	if err != nil {
		status := s.classify(err)
		var protocolError *protocol.Error
		if errors.As(err, &protocolError) && protocolError.Status.Valid() {
			status = protocolError.Status
		}
		if status == protocol.StatusOK {
			status = protocol.StatusStoreError
		}
		s.logger.Debug("action failed", "action", action, "status", status, "error", err)
		return protocol.Response{Status: status, Error: err.Error()}
	}

	response := protocol.Response{Status: protocol.StatusOK, Generation: result.Generation}
	if result.Data != nil {
		data, err := codec.Marshal(result.Data)
		if err != nil {
			return protocol.Response{
				Status: protocol.StatusStoreError,
				Error:  fmt.Sprintf("internal: marshaling response: %v", err),
			}
		}
		response.Data = data
	}
	return response
}

// writeResponse sends one response frame. Returns false if the
// connection is no longer usable.
func (s *SocketServer) writeResponse(conn net.Conn, response protocol.Response) bool {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.WriteFrame(conn, response); err != nil {
		s.logger.Debug("failed to write response", "error", err)
		return false
	}
	return true
}

