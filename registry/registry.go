// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package registry keeps track of every open stream of the server.
//
// Records are keyed by an identifier that the server assigns to each accepted
// or dialed connection and live in one of two tables: local for client
// streams and remote for server to server streams.
// All methods are safe for concurrent use.
package registry // import "mellium.im/xmppd/registry"

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/transport"
)

// ErrUnknownPeer is returned when operating on a peer that is not registered.
var ErrUnknownPeer = errors.New("registry: unknown peer")

// Role is the role a stream plays on this server.
type Role uint8

// A list of stream roles.
const (
	ClientInbound Role = iota
	ServerInbound
	ServerOutbound
)

func (r Role) String() string {
	switch r {
	case ClientInbound:
		return "c2s-in"
	case ServerInbound:
		return "s2s-in"
	case ServerOutbound:
		return "s2s-out"
	}
	return "unknown"
}

// Record describes one open stream.
// Records returned by the registry are copies.
type Record struct {
	Peer      string
	Role      Role
	JID       jid.JID
	Transport *transport.Transport
	TLS       bool
	Ready     bool
	Since     time.Time

	// Presence is the last available presence broadcast by a client, or nil
	// if the client has not sent initial presence or went unavailable.
	Presence *element.Element
	Priority int
}

// Available reports whether the record belongs to a client that has sent
// available presence.
func (r Record) Available() bool {
	return r.Presence != nil
}

// Registry is the process wide table of open streams.
type Registry struct {
	mu     sync.RWMutex
	local  map[string]*Record
	remote map[string]*Record
	logger *zap.Logger
	now    func() time.Time
}

// New returns an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		local:  make(map[string]*Record),
		remote: make(map[string]*Record),
		logger: logger,
		now:    time.Now,
	}
}

func (r *Registry) table(role Role) map[string]*Record {
	if role == ClientInbound {
		return r.local
	}
	return r.remote
}

func (r *Registry) find(peer string) *Record {
	if rec, ok := r.local[peer]; ok {
		return rec
	}
	return r.remote[peer]
}

// Register adds a record for peer. Registering a peer that already exists is
// a no-op.
func (r *Registry) Register(peer string, role Role, t *transport.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.find(peer) != nil {
		return
	}
	r.table(role)[peer] = &Record{
		Peer:      peer,
		Role:      role,
		Transport: t,
		TLS:       t != nil && t.Secure(),
		Since:     r.now(),
	}
}

// BindJID sets the identity of peer after resource binding or server
// authentication, replacing any previous identity.
func (r *Registry) BindJID(peer string, j jid.JID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.find(peer)
	if rec == nil {
		return ErrUnknownPeer
	}
	rec.JID = j
	if rec.Role == ClientInbound && !j.IsBare() {
		rec.Since = r.now()
	}
	return nil
}

// MarkReady flags the stream of peer as fully negotiated.
func (r *Registry) MarkReady(peer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.find(peer)
	if rec == nil {
		return ErrUnknownPeer
	}
	rec.Ready = true
	return nil
}

// UpdateTransport replaces the transport of peer, for example after a TLS
// upgrade.
func (r *Registry) UpdateTransport(peer string, t *transport.Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.find(peer)
	if rec == nil {
		return ErrUnknownPeer
	}
	rec.Transport = t
	rec.TLS = t.Secure()
	return nil
}

// SetPresence records the current presence of a client. A nil presence marks
// the client unavailable.
func (r *Registry) SetPresence(peer string, presence *element.Element, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.local[peer]
	if rec == nil {
		return ErrUnknownPeer
	}
	rec.Presence = presence
	rec.Priority = priority
	return nil
}

// Deregister removes peer and returns its last record.
func (r *Registry) Deregister(peer string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tbl := range []map[string]*Record{r.local, r.remote} {
		if rec, ok := tbl[peer]; ok {
			delete(tbl, peer)
			return *rec, true
		}
	}
	r.logger.Warn("deregistering unknown peer", zap.String("peer", peer))
	return Record{}, false
}

// Get returns the record of peer.
func (r *Registry) Get(peer string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := r.find(peer)
	if rec == nil {
		return Record{}, false
	}
	return *rec, true
}

// LookupByJID returns the ready client streams bound to j. If j is a bare JID
// every ready resource of the account is returned, ordered by the time they
// were bound. A full JID matches at most one record.
// Streams that have bound a resource but are not yet ready to receive stanzas
// are not returned.
func (r *Registry) LookupByJID(j jid.JID) []Record {
	return r.lookup(j, true)
}

// Bound returns every client stream bound to j, including streams that are
// not ready yet.
func (r *Registry) Bound(j jid.JID) []Record {
	return r.lookup(j, false)
}

func (r *Registry) lookup(j jid.JID, ready bool) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Record
	for _, rec := range r.local {
		if rec.JID.IsBare() || ready && !rec.Ready {
			continue
		}
		if j.IsBare() && rec.JID.Bare() == j || rec.JID == j {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].Since.Before(out[k].Since)
	})
	return out
}

// Available returns the resources of the bare JID j that have sent available
// presence.
func (r *Registry) Available(j jid.JID) []Record {
	var out []Record
	for _, rec := range r.LookupByJID(j.Bare()) {
		if rec.Available() {
			out = append(out, rec)
		}
	}
	return out
}

// RemoteTransport returns the transport of a ready outbound stream to host.
// It reports false if a new stream must be dialed.
func (r *Registry) RemoteTransport(host string) (*transport.Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.remote {
		if rec.Role == ServerOutbound && rec.Ready && rec.JID.Domainpart() == host {
			return rec.Transport, true
		}
	}
	return nil, false
}

// Len returns the number of registered streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.local) + len(r.remote)
}

// Records returns a copy of every record with the given role.
func (r *Registry) Records(role Role) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Record
	for _, rec := range r.table(role) {
		if rec.Role == role {
			out = append(out, *rec)
		}
	}
	return out
}
