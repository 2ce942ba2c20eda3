// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package plugin contains the contract implemented by IQ payload handlers and
// a multiplexer that selects a handler by the namespace of the payload.
package plugin // import "mellium.im/xmppd/plugin"

import (
	"context"
	"sort"
	"strings"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/jid"
)

// Plugin handles IQ payloads in one or more namespaces.
//
// Namespaces returns the patterns the plugin is registered under. A pattern
// ending in "*" matches any namespace with that prefix.
//
// Feed is called with the authenticated sender and the full IQ. It returns the
// reply to send to the sender, or nil if no reply should be sent (for example
// because the IQ was a result). Errors of type stanza.Error are sent back to
// the sender; any other error is treated as an internal failure.
type Plugin interface {
	Namespaces() []string
	Feed(ctx context.Context, from jid.JID, iq *element.Element) (*element.Element, error)
}

// Featurer may be implemented by plugins whose advertised features differ from
// their registered namespaces.
type Featurer interface {
	Features() []string
}

// Validator may be implemented by plugins that check IQs which are routed to
// another entity instead of being handled by the server.
type Validator interface {
	Validate(iq *element.Element) error
}

// Sender delivers stanzas originated by the server, such as roster pushes and
// pubsub notifications.
type Sender interface {
	// Send routes st to the entity in its to attribute.
	Send(ctx context.Context, st *element.Element) error

	// SendAll delivers a copy of st to every bound resource of the bare JID
	// to, or routes it to the remote server if to is not local.
	SendAll(ctx context.Context, to jid.JID, st *element.Element) error
}

// Mux matches payload namespaces against registered patterns.
// Exact patterns take precedence over glob patterns, and longer globs take
// precedence over shorter ones.
type Mux struct {
	exact map[string]Plugin
	globs []glob
	all   []Plugin
}

type glob struct {
	prefix string
	p      Plugin
}

// Option configures a Mux.
type Option func(m *Mux)

// Handle returns an option that registers p.
func Handle(p Plugin) Option {
	return func(m *Mux) {
		m.Register(p)
	}
}

// New allocates and returns a new Mux.
func New(opt ...Option) *Mux {
	m := &Mux{exact: make(map[string]Plugin)}
	for _, o := range opt {
		o(m)
	}
	return m
}

// Register adds p under all of its namespaces.
// If a namespace is already registered, Register panics.
func (m *Mux) Register(p Plugin) {
	for _, pattern := range p.Namespaces() {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			for _, g := range m.globs {
				if g.prefix == prefix {
					panic("plugin: multiple registrations for " + pattern)
				}
			}
			m.globs = append(m.globs, glob{prefix: prefix, p: p})
			continue
		}
		if _, ok := m.exact[pattern]; ok {
			panic("plugin: multiple registrations for " + pattern)
		}
		m.exact[pattern] = p
	}
	sort.SliceStable(m.globs, func(i, j int) bool {
		return len(m.globs[i].prefix) > len(m.globs[j].prefix)
	})
	m.all = append(m.all, p)
}

// Match returns the plugin registered for space.
func (m *Mux) Match(space string) (Plugin, bool) {
	if p, ok := m.exact[space]; ok {
		return p, true
	}
	for _, g := range m.globs {
		if strings.HasPrefix(space, g.prefix) {
			return g.p, true
		}
	}
	return nil, false
}

// Features returns the sorted list of features advertised by the registered
// plugins.
func (m *Mux) Features() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range m.all {
		var feats []string
		if f, ok := p.(Featurer); ok {
			feats = f.Features()
		} else {
			for _, ns := range p.Namespaces() {
				if !strings.HasSuffix(ns, "*") {
					feats = append(feats, ns)
				}
			}
		}
		for _, f := range feats {
			if _, ok := seen[f]; !ok {
				seen[f] = struct{}{}
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Plugins returns the registered plugins in registration order.
func (m *Mux) Plugins() []Plugin {
	return append([]Plugin(nil), m.all...)
}

// FeedFunc is an adapter to allow the use of ordinary functions as plugins for
// a single namespace.
type FeedFunc struct {
	NS string
	F  func(ctx context.Context, from jid.JID, iq *element.Element) (*element.Element, error)
}

// Namespaces returns f.NS.
func (f FeedFunc) Namespaces() []string {
	return []string{f.NS}
}

// Feed calls f.F.
func (f FeedFunc) Feed(ctx context.Context, from jid.JID, iq *element.Element) (*element.Element, error) {
	return f.F(ctx, from, iq)
}
