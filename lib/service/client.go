// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/velo/lib/codec"
	"github.com/bureau-foundation/velo/lib/netutil"
	"github.com/bureau-foundation/velo/lib/protocol"
)

// ErrUnreachable wraps every transport-level failure: the socket does
// not exist, the daemon refused or dropped the connection, or the
// round trip timed out. Callers in the interception layer treat it as
// the signal to fall back to the real filesystem.
var ErrUnreachable = errors.New("daemon unreachable")

// ClientOptions configures a Client.
type ClientOptions struct {
	// Timeout bounds one round trip when the context has no earlier
	// deadline. Defaults to 30 seconds.
	Timeout time.Duration

	// DialTimeout bounds connecting. Defaults to Timeout.
	DialTimeout time.Duration

	// MaxFrameSize bounds response frames. Defaults to
	// codec.MaxFrameSize.
	MaxFrameSize int
}

// Client sends requests to a daemon socket over one persistent
// connection, redialing when it breaks. Calls are serialized; a
// Client is safe for concurrent use.
type Client struct {
	socketPath   string
	timeout      time.Duration
	dialTimeout  time.Duration
	maxFrameSize int

	mu   sync.Mutex
	conn net.Conn
}

// NewClient returns a client for the socket at socketPath. No
// connection is made until the first Call.
func NewClient(socketPath string, options ClientOptions) *Client {
	client := &Client{
		socketPath:   socketPath,
		timeout:      options.Timeout,
		dialTimeout:  options.DialTimeout,
		maxFrameSize: options.MaxFrameSize,
	}
	if client.timeout == 0 {
		client.timeout = 30 * time.Second
	}
	if client.dialTimeout == 0 {
		client.dialTimeout = client.timeout
	}
	if client.maxFrameSize == 0 {
		client.maxFrameSize = codec.MaxFrameSize
	}
	return client
}

// SocketPath returns the socket the client talks to.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Call sends request and waits for the response.
//
// On status ok, the response data (if any) is decoded into result
// when result is non-nil. On any other status Call returns the
// response together with a *protocol.Error. Transport failures wrap
// ErrUnreachable and return a nil response.
func (c *Client) Call(ctx context.Context, request *protocol.Request, result any) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	response, reused, err := c.roundTrip(ctx, request)
	if err != nil && reused && ctx.Err() == nil && isStaleConnection(err) {
		// The daemon closes idle connections; the first request on
		// one it already dropped fails without reaching a handler.
		response, _, err = c.roundTrip(ctx, request)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s on %s: %w", ErrUnreachable, request.Action, c.socketPath, err)
	}

	if response.Status != protocol.StatusOK {
		return response, &protocol.Error{
			Action:  request.Action,
			Status:  response.Status,
			Message: response.Error,
		}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return response, &protocol.Error{
				Action:  request.Action,
				Status:  protocol.StatusProtocolError,
				Message: fmt.Sprintf("decoding response data: %v", err),
			}
		}
	}
	return response, nil
}

// roundTrip writes one request and reads one response on the current
// connection, dialing first if needed. Any error discards the
// connection. reused reports whether the connection predates this
// call.
func (c *Client) roundTrip(ctx context.Context, request *protocol.Request) (_ *protocol.Response, reused bool, err error) {
	reused = c.conn != nil
	if c.conn == nil {
		dialer := net.Dialer{Timeout: c.dialTimeout}
		conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
		if err != nil {
			return nil, false, fmt.Errorf("connecting: %w", err)
		}
		c.conn = conn
	}
	conn := c.conn
	defer func() {
		if err != nil {
			conn.Close()
			c.conn = nil
		}
	}()

	deadline := time.Now().Add(c.timeout)
	if contextDeadline, ok := ctx.Deadline(); ok && contextDeadline.Before(deadline) {
		deadline = contextDeadline
	}
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := codec.WriteFrame(conn, request); err != nil {
		return nil, reused, fmt.Errorf("writing request: %w", err)
	}
	var response protocol.Response
	if err := codec.ReadFrameInto(conn, c.maxFrameSize, &response); err != nil {
		if ctx.Err() != nil {
			return nil, reused, ctx.Err()
		}
		return nil, reused, fmt.Errorf("reading response: %w", err)
	}
	return &response, reused, nil
}

func isStaleConnection(err error) bool {
	return netutil.IsExpectedCloseError(err) || errors.Is(err, io.ErrUnexpectedEOF)
}

// Close drops the connection, if any. The client stays usable and
// redials on the next Call.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
