// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package outbound buffers stanzas for destinations that have no usable stream
// yet and delivers them once a stream becomes ready.
//
// Destinations are either the domain of a peer server or the bare JID of a
// local account. Stanzas for a peer server that has no ready outbound stream
// trigger a dial; stanzas for local accounts are held until one of their
// resources binds.
// Each destination with a usable stream is written by its own goroutine so
// that a slow peer does not hold up the others.
package outbound // import "mellium.im/xmppd/outbound"

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/registry"
	"mellium.im/xmppd/transport"
)

const queueSize = 1024

// DialFunc opens an outbound stream to host. It returns once the connection
// is established; negotiation continues in the background.
type DialFunc func(ctx context.Context, host string) error

type message struct {
	target string
	stanza string
}

// Queue is the outbound delivery worker.
type Queue struct {
	reg    *registry.Registry
	dial   DialFunc
	logger *zap.Logger

	mu      sync.Mutex
	buffers map[string][]string
	dialing map[string]struct{}
	writing map[string]struct{}

	conns  chan string
	msgs   chan message
	failed chan string
	closed chan string
	done   chan struct{}
	once   sync.Once
}

// New returns a queue that looks up streams in reg and opens new streams to
// peer servers with dial.
func New(reg *registry.Registry, dial DialFunc, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		reg:     reg,
		dial:    dial,
		logger:  logger,
		buffers: make(map[string][]string),
		dialing: make(map[string]struct{}),
		writing: make(map[string]struct{}),
		conns:   make(chan string, queueSize),
		msgs:    make(chan message, queueSize),
		failed:  make(chan string, queueSize),
		closed:  make(chan string, queueSize),
		done:    make(chan struct{}),
	}
}

// Message queues a serialized stanza for target, a peer domain or a local bare
// JID.
func (q *Queue) Message(target, stanza string) {
	select {
	case q.msgs <- message{target: target, stanza: stanza}:
	case <-q.done:
		q.logger.Warn("queue stopped, dropping stanza", zap.String("target", target))
	}
}

// Connection signals that target has a ready stream and its buffer should be
// drained.
func (q *Queue) Connection(target string) {
	q.post(q.conns, target)
}

// DialFailed drops the buffer of host after a failed attempt to open a stream.
func (q *Queue) DialFailed(host string) {
	q.post(q.failed, host)
}

// LinkClosed signals that the outbound stream to host went away. The next
// stanza for host dials again.
func (q *Queue) LinkClosed(host string) {
	q.post(q.closed, host)
}

func (q *Queue) post(ch chan<- string, target string) {
	select {
	case ch <- target:
	case <-q.done:
	}
}

// Pending returns a copy of the stanzas buffered for target that no writer
// has picked up yet.
func (q *Queue) Pending(target string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.buffers[target]...)
}

// Run processes events until ctx is canceled.
func (q *Queue) Run(ctx context.Context) error {
	defer q.once.Do(func() { close(q.done) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case target := <-q.conns:
			q.connection(target)
		case m := <-q.msgs:
			q.message(ctx, m)
		case host := <-q.failed:
			q.mu.Lock()
			n := len(q.buffers[host])
			delete(q.buffers, host)
			delete(q.dialing, host)
			q.mu.Unlock()
			q.logger.Warn("could not reach peer server, dropping stanzas", zap.String("host", host), zap.Int("dropped", n))
		case host := <-q.closed:
			q.mu.Lock()
			delete(q.dialing, host)
			q.mu.Unlock()
		}
	}
}

func (q *Queue) connection(target string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.dialing, target)
	q.flush(target)
}

func (q *Queue) message(ctx context.Context, m message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buffers[m.target] = append(q.buffers[m.target], m.stanza)
	if _, ok := q.transport(m.target); ok {
		q.flush(m.target)
		return
	}
	if isLocal(m.target) {
		return
	}
	if _, ok := q.dialing[m.target]; ok {
		return
	}
	q.dialing[m.target] = struct{}{}
	host := m.target
	q.logger.Debug("dialing peer server", zap.String("host", host))
	go func() {
		if err := q.dial(ctx, host); err != nil {
			q.logger.Info("dial failed", zap.String("host", host), zap.Error(err))
			q.DialFailed(host)
		}
	}()
}

// flush starts a writer for target if it has buffered stanzas, a usable
// stream and no writer yet. It must be called with mu held.
func (q *Queue) flush(target string) {
	if len(q.buffers[target]) == 0 {
		return
	}
	if _, ok := q.writing[target]; ok {
		return
	}
	if _, ok := q.transport(target); !ok {
		return
	}
	q.writing[target] = struct{}{}
	go q.write(target)
}

// write drains the buffer of target in order until it is empty, the stream
// goes away, or a write fails. Unwritten stanzas are put back in front of
// anything queued in the meantime.
func (q *Queue) write(target string) {
	for {
		q.mu.Lock()
		buf := q.buffers[target]
		t, ok := q.transport(target)
		if len(buf) == 0 || !ok {
			delete(q.writing, target)
			q.mu.Unlock()
			return
		}
		delete(q.buffers, target)
		q.mu.Unlock()

		for i, st := range buf {
			if err := t.WriteString(st); err != nil {
				q.logger.Warn("error draining buffer", zap.String("target", target), zap.Error(err))
				q.mu.Lock()
				q.buffers[target] = append(buf[i:len(buf):len(buf)], q.buffers[target]...)
				delete(q.writing, target)
				q.mu.Unlock()
				return
			}
		}
	}
}

func (q *Queue) transport(target string) (*transport.Transport, bool) {
	if !isLocal(target) {
		return q.reg.RemoteTransport(target)
	}
	j, err := jid.Parse(target)
	if err != nil {
		return nil, false
	}
	recs := q.reg.LookupByJID(j)
	if len(recs) == 0 {
		return nil, false
	}
	return recs[len(recs)-1].Transport, true
}

// isLocal reports whether target is an account rather than a domain.
func isLocal(target string) bool {
	j, err := jid.Parse(target)
	return err == nil && j.Localpart() != ""
}
