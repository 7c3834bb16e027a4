// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package retryqueue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrTransport wraps every delivery failure: dial, write, close, and
// their timeouts. All of them are retried.
var ErrTransport = errors.New("retryqueue: transport failure")

// Deliverer sends one packet to the Final Server. A nil return means
// the bytes were written and flushed without a transport error.
type Deliverer interface {
	Deliver(ctx context.Context, packet []byte) error
}

// TCPDeliverer opens a fresh TCP connection per packet, writes it, and
// closes the connection.
type TCPDeliverer struct {
	// Address is the Final Server's host:port.
	Address string

	// Timeout bounds the dial and, separately, the write.
	Timeout time.Duration
}

// Deliver implements Deliverer.
func (d *TCPDeliverer) Deliver(ctx context.Context, packet []byte) error {
	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return fmt.Errorf("%w: connecting to %s: %w", ErrTransport, d.Address, err)
	}

	if d.Timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(d.Timeout)); err != nil {
			conn.Close()
			return fmt.Errorf("%w: setting write deadline: %w", ErrTransport, err)
		}
	}
	if _, err := conn.Write(packet); err != nil {
		conn.Close()
		return fmt.Errorf("%w: writing to %s: %w", ErrTransport, d.Address, err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("%w: closing connection to %s: %w", ErrTransport, d.Address, err)
	}
	return nil
}
