// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package starttls upgrades negotiating streams to TLS.
//
// Upgrades are performed by a Worker that runs a bounded number of handshakes
// at a time. Once the handshake completes the parser of the stream is rebound
// to the encrypted transport and the registry is updated before the stream
// reads another byte.
package starttls // import "mellium.im/xmppd/starttls"

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mellium.im/xmppd/internal/metrics"
	"mellium.im/xmppd/parser"
	"mellium.im/xmppd/registry"
)

// ErrStopped is returned by Upgrade after the worker stopped.
var ErrStopped = errors.New("starttls: worker stopped")

// Config builds TLS configurations for the streams of one host.
type Config struct {
	cert  tls.Certificate
	pool  *x509.CertPool
	tls13 bool
}

// New returns a configuration presenting cert and trusting the authorities in
// pool. Unless tls13 is set the highest negotiated version is TLS 1.2.
func New(cert tls.Certificate, pool *x509.CertPool, tls13 bool) *Config {
	return &Config{cert: cert, pool: pool, tls13: tls13}
}

// Load reads (or issues) the certificate of host from dir.
// The certificate also covers the given service subdomains.
func Load(dir, host string, subdomains []string, tls13 bool, logger *zap.Logger) (*Config, error) {
	cert, pool, err := LoadCertificate(dir, host, subdomains, logger)
	if err != nil {
		return nil, err
	}
	return New(cert, pool, tls13), nil
}

func (c *Config) maxVersion() uint16 {
	if c.tls13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Server returns the configuration of streams we receive.
// Peers may present a certificate, which is verified when they do.
func (c *Config) Server() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.cert},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ClientCAs:    c.pool,
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   c.maxVersion(),
	}
}

// Client returns the configuration of streams we initiate to serverName.
// Our certificate is presented for SASL EXTERNAL.
func (c *Config) Client(serverName string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.cert},
		RootCAs:      c.pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   c.maxVersion(),
	}
}

// Job is a stream waiting to be upgraded.
type Job struct {
	// Peer is the registry key of the stream.
	Peer   string
	Parser *parser.Parser

	// ServerName is set for streams we initiate. The handshake is then
	// performed as the client.
	ServerName string

	// Restart is called once the encrypted transport is in place. Initiating
	// streams use it to send the new stream header.
	Restart func() error
}

type job struct {
	Job
	ctx  context.Context
	done chan error
}

// Worker performs TLS handshakes.
type Worker struct {
	cfg     *Config
	reg     *registry.Registry
	logger  *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	limit   int

	jobs    chan job
	stopped chan struct{}
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// Timeout limits the duration of a handshake. The default is 10 seconds.
func Timeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.timeout = d
	}
}

// Limit sets the number of concurrent handshakes. The default is 64.
func Limit(n int) WorkerOption {
	return func(w *Worker) {
		w.limit = n
	}
}

// WithMetrics records the outcome of every handshake in m.
func WithMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

// NewWorker returns a worker that upgrades streams with cfg.
func NewWorker(cfg *Config, reg *registry.Registry, logger *zap.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		cfg:     cfg,
		reg:     reg,
		logger:  logger,
		timeout: 10 * time.Second,
		limit:   64,
		jobs:    make(chan job),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run handles upgrade jobs until ctx is canceled and the handshakes in flight
// complete.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stopped)
	var g errgroup.Group
	g.SetLimit(w.limit)
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case j := <-w.jobs:
			g.Go(func() error {
				j.done <- w.handle(j)
				return nil
			})
		}
	}
}

// Upgrade hands the stream to the worker and blocks until the handshake is
// complete. On failure the transport of the stream is closed.
func (w *Worker) Upgrade(ctx context.Context, j Job) error {
	done := make(chan error, 1)
	select {
	case w.jobs <- job{Job: j, ctx: ctx, done: done}:
	case <-w.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) handle(j job) error {
	ctx, cancel := context.WithTimeout(j.ctx, w.timeout)
	defer cancel()

	p := j.Parser
	old := p.Transport()
	client := j.ServerName != ""
	cfg := w.cfg.Server()
	if client {
		cfg = w.cfg.Client(j.ServerName)
	}

	t, err := old.Upgrade(ctx, cfg, client, p.Buffered())
	w.metrics.Handshake(err)
	if err != nil {
		w.logger.Info("TLS handshake failed", zap.String("peer", j.Peer), zap.Error(err))
		old.Close()
		return err
	}
	p.Rebind(t)
	p.Reset()
	if err := w.reg.UpdateTransport(j.Peer, t); err != nil {
		t.Close()
		return err
	}
	state, _ := t.ConnectionState()
	w.logger.Debug("stream encrypted", zap.String("peer", j.Peer), zap.String("version", tls.VersionName(state.Version)))

	if j.Restart != nil {
		return j.Restart()
	}
	return nil
}
