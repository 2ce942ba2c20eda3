// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package router dispatches the stanzas of ready streams.
//
// IQs addressed to the server, one of its services, or a local bare JID are
// handed to the plugin registered for the namespace of their payload. All
// other stanzas are delivered to the bound resources of local accounts or
// queued for the peer server of the recipient.
package router // import "mellium.im/xmppd/router"

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/metrics"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/outbound"
	"mellium.im/xmppd/plugin"
	"mellium.im/xmppd/presence"
	"mellium.im/xmppd/registry"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/storage"
	"mellium.im/xmppd/stream"
)

// Store is the persistence used by the router.
type Store interface {
	presence.Store
	Credential(ctx context.Context, local string) (string, error)
	PutOffline(ctx context.Context, to, stanza string) error
	Offline(ctx context.Context, to string) ([]storage.OfflineMessage, error)
	AckOffline(ctx context.Context, to string, last int64) error
}

// accountLocks is the number of locks that serialize message delivery with
// the draining of stored messages. Accounts are spread over them by hash.
const accountLocks = 64

// Config configures a Router.
type Config struct {
	// Host is the domain of the local accounts.
	Host jid.JID

	// Services are additional domains answered by plugins, such as the
	// publish-subscribe service.
	Services []string

	Store    Store
	Registry *registry.Registry
	Queue    *outbound.Queue

	// Persist stores messages for accounts without a bound resource instead of
	// holding them in memory.
	Persist bool

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Router routes stanzas between streams.
// It implements plugin.Sender for the plugins and the presence engine.
type Router struct {
	host     jid.JID
	services map[string]struct{}
	store    Store
	reg      *registry.Registry
	queue    *outbound.Queue
	persist  bool
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mux      *plugin.Mux
	presence *presence.Engine

	accounts [accountLocks]sync.Mutex
}

// New returns a router with only the session establishment plugin registered.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		host:     cfg.Host.Domain(),
		services: make(map[string]struct{}),
		store:    cfg.Store,
		reg:      cfg.Registry,
		queue:    cfg.Queue,
		persist:  cfg.Persist,
		logger:   logger,
		metrics:  cfg.Metrics,
	}
	for _, s := range cfg.Services {
		r.services[s] = struct{}{}
	}
	r.presence = presence.New(r.host, cfg.Store, cfg.Registry, r, logger)
	r.mux = plugin.New(plugin.Handle(plugin.FeedFunc{NS: ns.Session, F: establishSession}))
	return r
}

// establishSession answers the session IQ of RFC 3921 that older clients send
// after binding.
func establishSession(_ context.Context, _ jid.JID, iq *element.Element) (*element.Element, error) {
	switch iq.Get("type") {
	case stanza.SetIQ:
		return stanza.Result(iq), nil
	case stanza.GetIQ:
		return nil, stanza.ErrBadRequest
	}
	return nil, nil
}

// Register adds plugins to the router.
func (r *Router) Register(p ...plugin.Plugin) {
	for _, pl := range p {
		r.mux.Register(pl)
	}
}

// Mux returns the plugins of the router.
func (r *Router) Mux() *plugin.Mux {
	return r.mux
}

// Presence returns the presence engine used for presence stanzas.
func (r *Router) Presence() *presence.Engine {
	return r.presence
}

// lock serializes deliveries to the bare JID j with Bound.
func (r *Router) lock(j jid.JID) func() {
	h := fnv.New32a()
	h.Write([]byte(j.Bare().String()))
	mu := &r.accounts[h.Sum32()%accountLocks]
	mu.Lock()
	return mu.Unlock
}

func (r *Router) isLocal(j jid.JID) bool {
	d := j.Domainpart()
	if d == r.host.Domainpart() {
		return true
	}
	_, ok := r.services[d]
	return ok
}

// Handle routes a stanza received on the ready stream of peer.
// Errors of type stream.Error are fatal to the stream. Problems with the
// stanza itself are reported to its sender and do not result in an error.
func (r *Router) Handle(ctx context.Context, peer string, st *element.Element) error {
	rec, ok := r.reg.Get(peer)
	if !ok {
		return registry.ErrUnknownPeer
	}
	if !stanza.Is(st.Name) {
		r.logger.Debug("unknown element", zap.String("peer", peer), zap.String("name", st.Tag()))
		return r.reject(ctx, rec, st)
	}
	from, err := r.origin(rec, st)
	if err != nil {
		return err
	}
	r.metrics.Stanza(st.Name.Local)

	to, err := stanza.To(st)
	if err != nil {
		return r.bounce(ctx, st, stanza.ErrJIDMalformed)
	}

	switch st.Name.Local {
	case "iq":
		err = r.iq(ctx, from, to, st)
	case "message":
		err = r.message(ctx, to, st)
	case "presence":
		err = r.presence.Handle(ctx, peer, from, st)
	}
	var se stanza.Error
	if errors.As(err, &se) {
		return r.bounce(ctx, st, se)
	}
	return err
}

// origin checks the addresses of a stanza against the identity of the stream
// it arrived on and returns the sender.
func (r *Router) origin(rec registry.Record, st *element.Element) (jid.JID, error) {
	switch rec.Role {
	case registry.ClientInbound:
		st.SetAttr("from", rec.JID.String())
		return rec.JID, nil
	case registry.ServerInbound:
		from, err := stanza.From(st)
		if err != nil || from.IsZero() || from.Domainpart() != rec.JID.Domainpart() {
			return jid.JID{}, stream.InvalidFrom
		}
		to, err := stanza.To(st)
		if err == nil && (to.IsZero() || !r.isLocal(to)) {
			return jid.JID{}, stream.ImproperAddressing
		}
		return from, nil
	}
	return jid.JID{}, stream.UnsupportedStanzaType
}

// reject answers an element that is not a stanza with a bad-request error
// addressed to the stream it arrived on. The stream stays open.
func (r *Router) reject(ctx context.Context, rec registry.Record, el *element.Element) error {
	r.metrics.StanzaError(string(stanza.BadRequest))
	reply := stanza.ErrorReply(el, stanza.Error{
		Type:      stanza.Modify,
		Condition: stanza.BadRequest,
		Text:      "unknown element " + el.Tag(),
	})
	reply.SetAttr("from", r.host.String())
	if rec.Role == registry.ClientInbound {
		reply.SetAttr("to", rec.JID.String())
		return rec.Transport.SendElement(reply)
	}
	if el.Get("from") == "" {
		return nil
	}
	if err := r.Send(ctx, reply); err != nil {
		r.logger.Debug("could not reject element", zap.String("to", el.Get("from")), zap.Error(err))
	}
	return nil
}

// bounce reports se to the sender of st.
// Errors and IQ results are never answered.
func (r *Router) bounce(ctx context.Context, st *element.Element, se stanza.Error) error {
	r.metrics.StanzaError(string(se.Condition))
	typ := st.Get("type")
	if typ == "error" || st.Name.Local == "iq" && typ == stanza.ResultIQ || st.Get("from") == "" {
		return nil
	}
	reply := stanza.ErrorReply(st, se)
	if reply.Get("from") == "" {
		reply.SetAttr("from", r.host.String())
	}
	if err := r.Send(ctx, reply); err != nil {
		r.logger.Debug("could not return stanza error", zap.String("to", st.Get("from")), zap.Error(err))
	}
	return nil
}

// serverHandled reports whether IQs to j are answered by the plugins.
func (r *Router) serverHandled(j jid.JID) bool {
	return j.IsZero() || j.IsBare() && r.isLocal(j)
}

func (r *Router) iq(ctx context.Context, from, to jid.JID, iq *element.Element) error {
	typ := iq.Get("type")
	if !stanza.ValidIQType(typ) || iq.Get("id") == "" {
		return stanza.ErrBadRequest
	}
	request := typ == stanza.GetIQ || typ == stanza.SetIQ

	if request && len(iq.Children()) > 1 {
		return stanza.ErrBadRequest
	}
	payload := iq.FirstChild()
	if !r.serverHandled(to) {
		if payload != nil {
			if p, ok := r.mux.Match(payload.Name.Space); ok {
				if v, ok := p.(plugin.Validator); ok {
					if err := v.Validate(iq); err != nil {
						return err
					}
				}
			}
		}
		return r.Send(ctx, iq)
	}

	if payload == nil {
		if request {
			return stanza.ErrBadRequest
		}
		return nil
	}
	p, ok := r.mux.Match(payload.Name.Space)
	if !ok {
		if request {
			se := stanza.ErrFeatureNotImplemented
			se.Text = "no handler for " + payload.Tag()
			return se
		}
		return nil
	}
	reply, err := p.Feed(ctx, from, iq)
	if err != nil {
		var se stanza.Error
		if errors.As(err, &se) {
			return se
		}
		r.logger.Error("plugin failed", zap.String("namespace", payload.Name.Space), zap.Error(err))
		return stanza.ErrInternalServerError
	}
	if reply == nil {
		return nil
	}
	return r.Send(ctx, reply)
}

func (r *Router) message(ctx context.Context, to jid.JID, msg *element.Element) error {
	if to.IsZero() || to.Localpart() == "" && r.isLocal(to) {
		r.logger.Debug("ignoring message to the server", zap.String("from", msg.Get("from")))
		return nil
	}
	return r.Send(ctx, msg)
}

// Send routes st to the entity in its to attribute.
// Stanzas for peer servers are queued, stanzas for local accounts are written
// to the matching streams.
func (r *Router) Send(ctx context.Context, st *element.Element) error {
	to, err := stanza.To(st)
	if err != nil {
		return stanza.ErrJIDMalformed
	}
	if to.IsZero() {
		return nil
	}
	if !r.isLocal(to) {
		r.queue.Message(to.Domainpart(), st.String())
		return nil
	}
	if to.Localpart() == "" {
		return nil
	}

	switch st.Name.Local {
	case "message":
		return r.deliverMessage(ctx, to, st)
	case "presence":
		for _, rec := range r.reg.LookupByJID(to) {
			r.write(rec, st)
		}
		return nil
	}

	recs := r.reg.LookupByJID(to)
	if to.IsBare() || len(recs) == 0 {
		switch st.Get("type") {
		case stanza.GetIQ, stanza.SetIQ:
			return stanza.ErrServiceUnavailable
		}
		return nil
	}
	r.write(recs[0], st)
	return nil
}

// SendAll delivers a copy of st to every bound resource of the bare JID to.
// If to is not local, st is queued for the peer server.
func (r *Router) SendAll(ctx context.Context, to jid.JID, st *element.Element) error {
	if !r.isLocal(to) {
		c := st.Copy()
		if c.Get("to") == "" {
			c.SetAttr("to", to.String())
		}
		r.queue.Message(to.Domainpart(), c.String())
		return nil
	}
	for _, rec := range r.reg.LookupByJID(to.Bare()) {
		c := st.Copy()
		if c.Get("to") == "" {
			c.SetAttr("to", rec.JID.String())
		}
		r.write(rec, c)
	}
	return nil
}

func (r *Router) deliverMessage(ctx context.Context, to jid.JID, msg *element.Element) error {
	defer r.lock(to)()
	if !to.IsBare() {
		if recs := r.reg.LookupByJID(to); len(recs) > 0 {
			r.write(recs[0], msg)
			return nil
		}
	}
	if rec, ok := r.pick(to.Bare()); ok {
		r.write(rec, msg)
		return nil
	}
	if msg.Get("type") == stanza.ErrorMessage {
		return nil
	}

	bare := to.Bare().String()
	if _, err := r.store.Credential(ctx, to.Localpart()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return stanza.ErrServiceUnavailable
		}
		return err
	}
	if r.persist {
		return r.store.PutOffline(ctx, bare, msg.String())
	}
	r.queue.Message(bare, msg.String())
	return nil
}

// pick selects the resource that receives a message to the bare JID j.
// Available resources with a non-negative priority are preferred, highest
// priority first and the most recent session on ties. If none is available
// the most recently bound resource that has not sent presence is used.
func (r *Router) pick(j jid.JID) (registry.Record, bool) {
	recs := r.reg.LookupByJID(j)
	best := -1
	for i, rec := range recs {
		if !rec.Available() || rec.Priority < 0 {
			continue
		}
		if best < 0 || rec.Priority > recs[best].Priority ||
			rec.Priority == recs[best].Priority && !rec.Since.Before(recs[best].Since) {
			best = i
		}
	}
	if best >= 0 {
		return recs[best], true
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if !recs[i].Available() {
			return recs[i], true
		}
	}
	return registry.Record{}, false
}

func (r *Router) write(rec registry.Record, st *element.Element) {
	if err := rec.Transport.SendElement(st); err != nil {
		r.logger.Debug("could not deliver stanza", zap.String("to", rec.JID.String()), zap.Error(err))
	}
}

// Bound is called once a client stream has bound a resource.
// Stored messages and subscription requests are delivered to the new
// resource, the stream is marked ready and the stanzas held in memory for the
// account are flushed. Stored messages are only removed once written; if a
// write fails the remaining messages stay stored and the stream does not
// become ready.
func (r *Router) Bound(ctx context.Context, peer string) error {
	rec, ok := r.reg.Get(peer)
	if !ok {
		return registry.ErrUnknownPeer
	}
	if rec.Role != registry.ClientInbound {
		return nil
	}
	bare := rec.JID.Bare()

	if err := r.drain(ctx, rec); err != nil {
		return err
	}
	r.queue.Connection(bare.String())
	return r.presence.Online(ctx, rec.JID)
}

func (r *Router) drain(ctx context.Context, rec registry.Record) error {
	bare := rec.JID.Bare()
	defer r.lock(bare)()

	msgs, err := r.store.Offline(ctx, bare.String())
	if err != nil {
		return err
	}
	written := 0
	for _, m := range msgs {
		if err = rec.Transport.WriteString(m.Stanza); err != nil {
			break
		}
		written++
	}
	if written > 0 {
		if ackErr := r.store.AckOffline(ctx, bare.String(), msgs[written-1].ID); ackErr != nil {
			return errors.Join(err, ackErr)
		}
		r.metrics.Delivered(written)
	}
	if err != nil {
		return err
	}
	return r.reg.MarkReady(rec.Peer)
}

// Closed removes peer from the registry. Clients that were available are
// announced as unavailable to their contacts.
func (r *Router) Closed(ctx context.Context, peer string) error {
	rec, ok := r.reg.Deregister(peer)
	if !ok || rec.Role != registry.ClientInbound {
		return nil
	}
	return r.presence.Disconnected(ctx, rec)
}
