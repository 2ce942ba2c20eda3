// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/parser"
	"mellium.im/xmppd/registry"
	"mellium.im/xmppd/session"
	"mellium.im/xmppd/starttls"
	"mellium.im/xmppd/stream"
	"mellium.im/xmppd/transport"
)

// errClosed ends the connection loop without an error being reported.
var errClosed = errors.New("server: stream closed")

// conn is a single stream and the loop serving it.
type conn struct {
	s      *Server
	peer   string
	role   registry.Role
	remote jid.JID
	p      *parser.Parser
	h      session.Handler
	logger *zap.Logger
	ready  bool
}

// handle serves nc until the stream ends. The caller must have acquired the
// connection.
func (s *Server) handle(ctx context.Context, nc net.Conn, role registry.Role, remote jid.JID) {
	c := &conn{
		s:      s,
		peer:   uuid.Must(uuid.NewV4()).String(),
		role:   role,
		remote: remote,
	}
	c.logger = s.logger.With(
		zap.String("peer", c.peer),
		zap.Stringer("role", role),
		zap.Stringer("addr", nc.RemoteAddr()),
	)
	t := transport.New(nc, s.idle)
	c.p = parser.New(t)
	s.reg.Register(c.peer, role, t)

	switch role {
	case registry.ClientInbound:
		c.h = session.NewClientIn(s.session, c.p, c.peer)
	case registry.ServerInbound:
		c.h = session.NewServerIn(s.session, c.p, c.peer)
	case registry.ServerOutbound:
		c.h = session.NewServerOut(s.session, c.p, c.peer, remote, func(remote jid.JID) {
			s.queue.Connection(remote.String())
		})
	}
	defer s.untrack(c)

	c.logger.Debug("stream accepted")
	err := s.metrics.ObserveStream(role.String(), func() error {
		if !s.track(c) {
			return c.fail(stream.SystemShutdown)
		}
		return c.serve(ctx)
	})
	c.close(ctx, err)
}

// serve reads events from the stream until it ends.
func (c *conn) serve(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic serving stream", zap.Any("panic", r), zap.Stack("stack"))
			err = errors.Join(fmt.Errorf("server: panic: %v", r), c.fail(stream.InternalServerError))
		}
	}()

	if out, ok := c.h.(*session.ServerOut); ok {
		if err := out.Start(); err != nil {
			return err
		}
	}
	for {
		ev, err := c.p.Next()
		if err != nil {
			return c.readErr(err)
		}

		var sig session.Signal
		switch ev.Kind {
		case parser.StreamClose:
			c.logger.Debug("stream closed by peer")
			return nil
		case parser.StreamOpen:
			sig, err = c.h.Opened(ctx, ev.Header)
		case parser.Stanza:
			switch {
			case c.ready && ev.Element.Is(ns.Stream, "error"):
				c.logger.Info("peer sent stream error", zap.Error(stream.FromElement(ev.Element)))
				sig = session.ForceClose
			case c.ready:
				err = c.s.router.Handle(ctx, c.peer, ev.Element)
			default:
				sig, err = c.h.Negotiate(ctx, ev.Element)
			}
		}
		if err != nil {
			return c.handlerErr(err)
		}
		if err := c.signal(ctx, sig); err != nil {
			if errors.Is(err, errClosed) {
				return nil
			}
			return err
		}
	}
}

// signal acts on the signal returned by the session handler.
func (c *conn) signal(ctx context.Context, sig session.Signal) error {
	switch sig {
	case session.Continue:
	case session.Reset:
		c.p.Reset()
		if r, ok := c.h.(session.Restarter); ok {
			return r.Restart()
		}
	case session.StartTLS:
		job := starttls.Job{
			Peer:   c.peer,
			Parser: c.p,
		}
		if out, ok := c.h.(*session.ServerOut); ok {
			job.ServerName = out.Remote().String()
			job.Restart = out.Restart
		}
		return c.s.worker.Upgrade(ctx, job)
	case session.Done:
		c.ready = true
		c.logger.Debug("stream ready")
		if c.role == registry.ClientInbound {
			if err := c.s.router.Bound(ctx, c.peer); err != nil {
				return c.handlerErr(err)
			}
		}
	case session.Clear, session.ForceClose:
		if err := c.p.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			return err
		}
		return errClosed
	}
	return nil
}

// readErr handles an error returned by the parser.
func (c *conn) readErr(err error) error {
	var se stream.Error
	switch {
	case errors.As(err, &se):
		return c.fail(se)
	case errors.Is(err, io.EOF), errors.Is(err, transport.ErrClosed):
		c.logger.Debug("connection closed")
		return nil
	}
	return err
}

// handlerErr handles an error returned by the session handler or the router.
// Stream errors are sent to the peer, anything else is reported as an
// internal server error.
func (c *conn) handlerErr(err error) error {
	var se stream.Error
	if errors.As(err, &se) {
		return c.fail(se)
	}
	if errors.Is(err, transport.ErrClosed) {
		return nil
	}
	c.logger.Error("error handling stream", zap.Error(err))
	return errors.Join(err, c.fail(stream.InternalServerError))
}

// fail sends se and closes the stream.
// It must only be called from the goroutine serving the stream.
func (c *conn) fail(se stream.Error) error {
	return c.failWith(se, c.h.Local())
}

func (c *conn) failWith(se stream.Error, local stream.Header) error {
	c.s.metrics.StreamError(se.Err)
	c.logger.Info("sending stream error", zap.String("condition", se.Err), zap.String("text", se.Text))
	if err := c.p.Fail(se, local); err != nil && !errors.Is(err, transport.ErrClosed) {
		c.logger.Debug("error sending stream error", zap.Error(err))
	}
	return se
}

// shutdown asks the peer to close the stream because the server is stopping.
// It is safe to call while the stream is being served.
func (c *conn) shutdown() {
	local := stream.Header{
		From:    c.s.host,
		Version: stream.DefaultVersion,
		NS:      ns.Server,
	}
	switch c.role {
	case registry.ClientInbound:
		local.NS = ns.Client
	case registry.ServerOutbound:
		local.To = c.remote
	}
	c.failWith(stream.SystemShutdown, local)
}

// close releases the connection and removes the stream from the registry.
func (c *conn) close(ctx context.Context, err error) {
	if err != nil {
		c.logger.Debug("stream ended with error", zap.Error(err))
	}
	if cerr := c.p.Transport().Close(); cerr != nil {
		c.logger.Debug("error closing connection", zap.Error(cerr))
	}
	if err := c.s.router.Closed(ctx, c.peer); err != nil {
		c.logger.Warn("error announcing unavailable presence", zap.Error(err))
	}
	if c.role == registry.ServerOutbound {
		if c.ready {
			c.s.queue.LinkClosed(c.remote.String())
		} else {
			c.s.queue.DialFailed(c.remote.String())
		}
	}
}
