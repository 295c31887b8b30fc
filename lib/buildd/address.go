// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buildd

import (
	"fmt"
	"net"
	"net/url"
	"os"
)

// Address is a parsed worker URL.
type Address struct {
	// Network is "unix" or "tcp".
	Network string

	// Target is the socket path or host:port.
	Target string
}

func (a Address) String() string {
	if a.Network == "unix" {
		return "unix://" + a.Target
	}
	return "tcp://" + a.Target
}

// ParseAddress parses unix:///path/to/socket or tcp://host:port.
func ParseAddress(raw string) (Address, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return Address{}, fmt.Errorf("parsing worker URL %q: %w", raw, err)
	}
	switch parsed.Scheme {
	case "unix":
		if parsed.Path == "" {
			return Address{}, fmt.Errorf("worker URL %q has no socket path", raw)
		}
		return Address{Network: "unix", Target: parsed.Path}, nil
	case "tcp":
		if parsed.Host == "" || parsed.Port() == "" {
			return Address{}, fmt.Errorf("worker URL %q needs host:port", raw)
		}
		return Address{Network: "tcp", Target: parsed.Host}, nil
	}
	return Address{}, fmt.Errorf("worker URL %q: unsupported scheme %q", raw, parsed.Scheme)
}

// Listen opens a listener for address. A stale unix socket file is
// removed first.
func Listen(address Address) (net.Listener, error) {
	if address.Network == "unix" {
		if err := os.Remove(address.Target); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale socket %s: %w", address.Target, err)
		}
	}
	listener, err := net.Listen(address.Network, address.Target)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	return listener, nil
}
