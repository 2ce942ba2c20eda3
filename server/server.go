// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mellium.im/xmppd/auth"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/outbound"
	"mellium.im/xmppd/registry"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/session"
	"mellium.im/xmppd/starttls"
)

// ErrServerClosed is returned by Run if it is called after the server stopped.
var ErrServerClosed = errors.New("server: closed")

// Config holds the collaborators of a Server.
type Config struct {
	// Host is the domain served.
	Host jid.JID

	// Services are additional domains answered by plugins.
	Services []string

	Store router.Store
	Auth  *auth.Authenticator
	TLS   *starttls.Config

	// Persist stores messages for offline accounts in Store.
	Persist bool
}

// A Server accepts and initiates XMPP streams.
type Server struct {
	options
	host    jid.JID
	reg     *registry.Registry
	router  *router.Router
	queue   *outbound.Queue
	worker  *starttls.Worker
	session session.Config

	mu        sync.Mutex
	listeners map[registry.Role]net.Listener
	conns     map[*conn]struct{}
	closed    bool
	ctx       context.Context
	wg        sync.WaitGroup
}

// New returns a server for cfg. Plugins are registered with the router
// returned by Router before calling Run.
func New(cfg Config, opts ...Option) *Server {
	s := &Server{
		options:   getOpts(opts...),
		host:      cfg.Host.Domain(),
		listeners: make(map[registry.Role]net.Listener),
		conns:     make(map[*conn]struct{}),
		ctx:       context.Background(),
	}
	s.reg = registry.New(s.logger)
	dialer := &outbound.Dialer{
		Lookup:  s.lookup,
		Timeout: s.dialTimeout,
		Start:   s.startOutbound,
		Logger:  s.logger,
	}
	s.queue = outbound.New(s.reg, dialer.Dial, s.logger)
	s.router = router.New(router.Config{
		Host:     s.host,
		Services: cfg.Services,
		Store:    cfg.Store,
		Registry: s.reg,
		Queue:    s.queue,
		Persist:  cfg.Persist,
		Logger:   s.logger,
		Metrics:  s.metrics,
	})
	s.worker = starttls.NewWorker(cfg.TLS, s.reg, s.logger, starttls.WithMetrics(s.metrics))
	s.session = session.Config{
		Host:     s.host,
		Auth:     cfg.Auth,
		Registry: s.reg,
		Logger:   s.logger,
		Metrics:  s.metrics,
	}
	return s
}

// Router returns the router of the server.
func (s *Server) Router() *router.Router {
	return s.router
}

// Registry returns the streams known to the server.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// Queue returns the outbound delivery queue.
func (s *Server) Queue() *outbound.Queue {
	return s.queue
}

// Listen binds the client and server listeners. It is called by Run if it was
// not called before.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if len(s.listeners) > 0 {
		return nil
	}
	for role, addr := range map[registry.Role]string{
		registry.ClientInbound: s.clientAddr,
		registry.ServerInbound: s.serverAddr,
	} {
		l, err := net.Listen(s.network, addr)
		if err != nil {
			for _, l := range s.listeners {
				l.Close()
			}
			clear(s.listeners)
			return fmt.Errorf("server: listen for %s streams: %w", role, err)
		}
		s.listeners[role] = l
	}
	return nil
}

// Addr returns the address of the listener for role, or nil if the server is
// not listening.
func (s *Server) Addr(role registry.Role) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.listeners[role]; ok {
		return l.Addr()
	}
	return nil
}

// Run serves streams until ctx is canceled.
// It then stops accepting connections, asks every open stream to close with
// a system-shutdown stream error, and waits up to the shutdown timeout before
// closing the remaining connections.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	// Streams and workers outlive ctx until they are drained.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	s.mu.Lock()
	s.ctx = connCtx
	listeners := make(map[registry.Role]net.Listener, len(s.listeners))
	for role, l := range s.listeners {
		listeners[role] = l
	}
	s.mu.Unlock()

	var workers errgroup.Group
	workers.Go(func() error {
		return s.worker.Run(connCtx)
	})
	workers.Go(func() error {
		return s.queue.Run(connCtx)
	})

	g, gctx := errgroup.WithContext(ctx)
	for role, l := range listeners {
		s.logger.Info("listening", zap.Stringer("role", role), zap.Stringer("addr", l.Addr()))
		role, l := role, l
		g.Go(func() error {
			return s.serve(connCtx, l, role)
		})
	}
	if s.metricsAddr != "" {
		g.Go(func() error {
			return s.serveMetrics(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.mu.Lock()
		s.closed = true
		for _, l := range s.listeners {
			l.Close()
		}
		s.mu.Unlock()
		return nil
	})
	err := g.Wait()

	s.drain()
	cancel()
	return errors.Join(err, workers.Wait())
}

// serve accepts connections on l until it is closed.
func (s *Server) serve(ctx context.Context, l net.Listener, role registry.Role) error {
	var delay time.Duration
	for {
		nc, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = min(max(2*delay, 5*time.Millisecond), time.Second)
				s.logger.Warn("accept failed, retrying", zap.Duration("delay", delay), zap.Error(err))
				time.Sleep(delay)
				continue
			}
			return fmt.Errorf("server: accept %s streams: %w", role, err)
		}
		delay = 0
		if !s.acquire() {
			nc.Close()
			continue
		}
		go s.handle(ctx, nc, role, jid.JID{})
	}
}

// startOutbound is called by the dialer with a connection to a peer server.
func (s *Server) startOutbound(nc net.Conn, host string) {
	remote, err := jid.Domain(host)
	if err != nil {
		s.logger.Warn("invalid peer domain", zap.String("host", host), zap.Error(err))
		nc.Close()
		s.queue.DialFailed(host)
		return
	}
	if !s.acquire() {
		nc.Close()
		s.queue.DialFailed(host)
		return
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	go s.handle(ctx, nc, registry.ServerOutbound, remote)
}

// acquire adds a connection to the wait group.
// It reports false if the server is shutting down.
func (s *Server) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// track adds c to the open streams. It reports false if the server started
// draining after the connection was acquired.
func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
	return !s.closed
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// drain closes every open stream and waits for the connection goroutines.
func (s *Server) drain() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}

	s.mu.Lock()
	s.logger.Warn("shutdown timeout exceeded, closing streams", zap.Int("streams", len(s.conns)))
	for c := range s.conns {
		c.p.Transport().Close()
	}
	s.mu.Unlock()
	<-done
}

// serveMetrics exposes the metrics endpoint until ctx is canceled.
func (s *Server) serveMetrics(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "ok %d\n", s.reg.Len())
	})

	srv := &http.Server{
		Addr:              s.metricsAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("serving metrics", zap.String("addr", s.metricsAddr))
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return fmt.Errorf("server: metrics endpoint: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
