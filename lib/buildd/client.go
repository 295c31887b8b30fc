// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildd

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bureau-foundation/buildfarm/lib/buildfarm"
	"github.com/bureau-foundation/buildfarm/lib/codec"
)

// Client talks to one worker. Each call opens a connection, sends one
// request, reads one response and closes the connection. The whole
// exchange is bounded by the client timeout.
type Client struct {
	address Address
	timeout time.Duration
}

// NewClient returns a client for the worker at rawURL.
func NewClient(rawURL string, timeout time.Duration) (*Client, error) {
	address, err := ParseAddress(rawURL)
	if err != nil {
		return nil, err
	}
	return &Client{address: address, timeout: timeout}, nil
}

// Status implements Worker.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	err := c.call(ctx, actionStatus, nil, &status)
	return status, err
}

// Build implements Worker.
func (c *Client) Build(ctx context.Context, request BuildRequest) error {
	return c.call(ctx, actionBuild, map[string]any{
		"build_id": request.Cookie,
		"job_type": request.JobType,
		"args":     request.Args,
	}, nil)
}

// Abort implements Worker.
func (c *Client) Abort(ctx context.Context) error {
	return c.call(ctx, actionAbort, nil, nil)
}

// Clean implements Worker.
func (c *Client) Clean(ctx context.Context) error {
	return c.call(ctx, actionClean, nil, nil)
}

// Echo implements Worker.
func (c *Client) Echo(ctx context.Context, args ...string) ([]string, error) {
	var echoed []string
	err := c.call(ctx, actionEcho, map[string]any{"args": args}, &echoed)
	return echoed, err
}

// Info implements Worker.
func (c *Client) Info(ctx context.Context) (Info, error) {
	var info Info
	err := c.call(ctx, actionInfo, nil, &info)
	return info, err
}

func (c *Client) call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action

	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.address, err)
	}
	if !response.OK {
		return &ProtocolError{Action: action, Message: response.Error}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding %q response from %s: %w", action, c.address, err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, request any) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, c.address.Network, c.address.Target)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// Unblock reads and writes if ctx is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if halfCloser, ok := conn.(interface{ CloseWrite() error }); ok {
		halfCloser.CloseWrite()
	}

	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxMessageSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}

// ClientFactory creates clients for builders, picking the timeout by
// virtualization.
type ClientFactory struct {
	SocketTimeout            time.Duration
	VirtualizedSocketTimeout time.Duration
}

// Worker returns a client for builder.
func (f ClientFactory) Worker(builder buildfarm.Builder) (Worker, error) {
	timeout := f.SocketTimeout
	if builder.Virtualized {
		timeout = f.VirtualizedSocketTimeout
	}
	client, err := NewClient(builder.URL, timeout)
	if err != nil {
		return nil, fmt.Errorf("builder %s: %w", builder.Name, err)
	}
	return client, nil
}
