// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package outbound

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"mellium.im/xmppd/internal/discover"
)

// ErrNoService is returned when the peer domain does not offer server to
// server connections.
var ErrNoService = errors.New("outbound: domain does not offer the xmpp-server service")

// Dialer connects to peer servers.
type Dialer struct {
	// Lookup resolves the SRV records of a domain.
	// If nil, the system resolver configuration is used.
	Lookup func(ctx context.Context, service, domain string) ([]*net.SRV, error)

	// Timeout limits each connection attempt.
	Timeout time.Duration

	// Start is called with every established connection. It must not block.
	Start func(conn net.Conn, host string)

	Logger *zap.Logger
}

// Dial resolves the _xmpp-server._tcp records of host and connects to the
// first target that accepts the connection.
// It satisfies the DialFunc type.
func (d *Dialer) Dial(ctx context.Context, host string) error {
	lookup := d.Lookup
	if lookup == nil {
		r, err := discover.DefaultResolver()
		if err != nil {
			return err
		}
		lookup = r.LookupService
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	addrs, err := lookup(ctx, "xmpp-server", host)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return ErrNoService
	}

	nd := net.Dialer{Timeout: d.Timeout}
	for _, addr := range addrs {
		target := net.JoinHostPort(addr.Target, strconv.Itoa(int(addr.Port)))
		conn, dialErr := nd.DialContext(ctx, "tcp", target)
		if dialErr != nil {
			logger.Debug("connection attempt failed", zap.String("host", host), zap.String("target", target), zap.Error(dialErr))
			err = dialErr
			continue
		}
		logger.Info("connected to peer server", zap.String("host", host), zap.String("target", target))
		d.Start(conn, host)
		return nil
	}
	return err
}
