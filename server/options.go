// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mellium.im/xmppd/internal/metrics"
)

// Option configures a Server.
type Option func(*options)

type options struct {
	clientAddr      string
	serverAddr      string
	network         string
	idle            time.Duration
	shutdownTimeout time.Duration
	dialTimeout     time.Duration
	lookup          func(ctx context.Context, service, domain string) ([]*net.SRV, error)
	logger          *zap.Logger
	metrics         *metrics.Metrics
	metricsAddr     string
	gatherer        prometheus.Gatherer
}

func getOpts(o ...Option) options {
	res := options{
		clientAddr:      ":5222",
		serverAddr:      ":5269",
		network:         "tcp",
		idle:            60 * time.Second,
		shutdownTimeout: 10 * time.Second,
		dialTimeout:     30 * time.Second,
		logger:          zap.NewNop(),
	}
	for _, f := range o {
		f(&res)
	}
	return res
}

// ClientAddr sets the address the server listens on for streams from clients.
// The default is ":5222".
func ClientAddr(addr string) Option {
	return func(o *options) {
		o.clientAddr = addr
	}
}

// ServerAddr sets the address the server listens on for streams from peer
// servers. The default is ":5269".
func ServerAddr(addr string) Option {
	return func(o *options) {
		o.serverAddr = addr
	}
}

// Network sets the network of the listeners, one of "tcp", "tcp4" or "tcp6".
func Network(network string) Option {
	return func(o *options) {
		o.network = network
	}
}

// IdleTimeout closes streams that have not sent anything for d.
// The default is 60 seconds. Zero disables the timeout.
func IdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.idle = d
	}
}

// ShutdownTimeout limits how long Run waits for open streams to close after
// its context is canceled.
func ShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		o.shutdownTimeout = d
	}
}

// DialTimeout limits each attempt to connect to a peer server.
func DialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

// Lookup replaces the SRV resolver used to find peer servers.
func Lookup(f func(ctx context.Context, service, domain string) ([]*net.SRV, error)) Option {
	return func(o *options) {
		o.lookup = f
	}
}

// Logger sets the logger of the server and everything it runs.
func Logger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Metrics records stream, stanza and handshake statistics in m.
func Metrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// MetricsAddr serves the metrics gathered by g over HTTP on addr.
func MetricsAddr(addr string, g prometheus.Gatherer) Option {
	return func(o *options) {
		o.metricsAddr = addr
		o.gatherer = g
	}
}
