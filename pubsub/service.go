// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"context"
	"sort"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/plugin"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/storage"
)

// Node types.
const (
	Leaf       = "leaf"
	Collection = "collection"
)

// Access models.
const (
	Open      = "open"
	Authorize = "authorize"
)

// Affiliations.
const (
	Owner     = "owner"
	Publisher = "publisher"
	Member    = "member"
	None      = "none"
	Outcast   = "outcast"
)

// Subscription states.
const (
	Pending      = "pending"
	Unconfigured = "unconfigured"
	Subscribed   = "subscribed"
)

// Store is the persistence used by the service.
type Store interface {
	CreateNode(ctx context.Context, n storage.Node) error
	UpdateNode(ctx context.Context, n storage.Node) error
	DeleteNode(ctx context.Context, id string) error
	Nodes(ctx context.Context) ([]storage.Node, error)
	Subscribers(ctx context.Context) ([]storage.Subscriber, error)
	PutSubscriber(ctx context.Context, sub storage.Subscriber) error
	DeleteSubscriber(ctx context.Context, node, jid, subid string) error
	PublishItem(ctx context.Context, item storage.Item, maxItems int) ([]string, error)
	Items(ctx context.Context, node string, limit int) ([]storage.Item, error)
	Item(ctx context.Context, node, id string) (storage.Item, error)
	RetractItem(ctx context.Context, node, id string) error
	PurgeItems(ctx context.Context, node string) error
}

// Config configures a Service.
type Config struct {
	// JID is the address of the service.
	JID jid.JID

	// Host is the domain of the accounts that may create nodes.
	Host jid.JID

	Store  Store
	Sender plugin.Sender

	// MaxItems is the default number of items kept by new nodes.
	// Zero keeps every item.
	MaxItems int

	Logger *zap.Logger
}

// Service is a plugin that implements a publish–subscribe service.
type Service struct {
	jid      jid.JID
	host     string
	store    Store
	sender   plugin.Sender
	maxItems int
	logger   *zap.Logger

	mu    sync.Mutex
	nodes map[string]*node
}

type node struct {
	storage.Node

	// Keyed by bare JID.
	affiliations  map[string]string
	subscriptions map[string][]storage.Subscriber
}

func (n *node) affiliation(j string) string {
	if a, ok := n.affiliations[j]; ok {
		return a
	}
	return None
}

// subscribed returns the JIDs with at least one active subscription.
func (n *node) subscribed() []string {
	var out []string
	for j, subs := range n.subscriptions {
		for _, sub := range subs {
			if sub.Subscription == Subscribed {
				out = append(out, j)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// New returns a service with its cache loaded from cfg.Store.
func New(ctx context.Context, cfg Config) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		jid:      cfg.JID.Domain(),
		host:     cfg.Host.Domainpart(),
		store:    cfg.Store,
		sender:   cfg.Sender,
		maxItems: cfg.MaxItems,
		logger:   logger.With(zap.String("service", cfg.JID.String())),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// refresh reloads the cache. It must be called with s.mu held.
func (s *Service) refresh(ctx context.Context) error {
	stored, err := s.store.Nodes(ctx)
	if err != nil {
		return err
	}
	subs, err := s.store.Subscribers(ctx)
	if err != nil {
		return err
	}
	nodes := make(map[string]*node, len(stored))
	for _, n := range stored {
		nodes[n.ID] = &node{
			Node:          n,
			affiliations:  make(map[string]string),
			subscriptions: make(map[string][]storage.Subscriber),
		}
	}
	for _, sub := range subs {
		n, ok := nodes[sub.Node]
		if !ok {
			continue
		}
		if sub.SubID == "" {
			n.affiliations[sub.JID] = sub.Affiliation
			continue
		}
		n.subscriptions[sub.JID] = append(n.subscriptions[sub.JID], sub)
	}
	s.nodes = nodes
	return nil
}

// JID returns the address of the service.
func (s *Service) JID() jid.JID {
	return s.jid
}

// Name returns the human readable name of the service.
func (*Service) Name() string {
	return "Publish-Subscribe"
}

// Namespaces implements plugin.Plugin.
func (*Service) Namespaces() []string {
	return []string{NS, NSOwner}
}

// Features implements plugin.Featurer.
// The service has its own address so nothing is advertised for the server.
func (*Service) Features() []string {
	return nil
}

// request is a single pubsub IQ.
type request struct {
	ctx context.Context
	// from is the bare JID of the requester.
	from  string
	space string
	op    *element.Element
	// out holds the notifications to send once the cache is unlocked.
	out []*element.Element
}

// Feed implements plugin.Plugin.
func (s *Service) Feed(ctx context.Context, from jid.JID, iq *element.Element) (*element.Element, error) {
	typ := iq.Get("type")
	if typ != stanza.GetIQ && typ != stanza.SetIQ {
		return nil, nil
	}
	to, err := stanza.To(iq)
	if err != nil {
		return nil, stanza.ErrJIDMalformed
	}
	if !to.Equal(s.jid) {
		return nil, stanza.ErrServiceUnavailable
	}
	ps := iq.FirstChild()
	if ps == nil || ps.Name.Local != "pubsub" {
		return nil, stanza.ErrBadRequest
	}
	op := ps.FirstChild()
	if op == nil {
		return nil, stanza.ErrBadRequest
	}
	r := &request{
		ctx:   ctx,
		from:  from.Bare().String(),
		space: ps.Name.Space,
		op:    op,
	}

	s.mu.Lock()
	payload, err := s.dispatch(r, typ, ps)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	for _, msg := range r.out {
		if err := s.sender.Send(ctx, msg); err != nil {
			s.logger.Debug("notification not delivered", zap.String("to", msg.Get("to")), zap.Error(err))
		}
	}
	if payload == nil {
		return stanza.Result(iq), nil
	}
	return stanza.Result(iq, element.New(r.space, "pubsub").Append(payload)), nil
}

func (s *Service) dispatch(r *request, typ string, ps *element.Element) (*element.Element, error) {
	owner := r.space == NSOwner
	switch typ {
	case stanza.SetIQ:
		switch r.op.Name.Local {
		case "create":
			return s.create(r, ps.Child("", "configure"))
		case "configure":
			return s.configure(r)
		case "delete":
			return s.deleteNode(r)
		case "purge":
			return s.purge(r)
		case "subscribe":
			return s.subscribe(r)
		case "unsubscribe":
			return s.unsubscribe(r)
		case "publish":
			return s.publish(r)
		case "retract":
			return s.retract(r)
		case "subscriptions":
			if owner {
				return s.setSubscriptions(r)
			}
		case "affiliations":
			if owner {
				return s.setAffiliations(r)
			}
		}
	case stanza.GetIQ:
		switch r.op.Name.Local {
		case "items":
			return s.items(r)
		case "configure":
			return s.configForm(r)
		case "default":
			return s.defaultForm(r)
		case "subscriptions":
			if owner {
				return s.nodeSubscriptions(r)
			}
			return s.ownSubscriptions(r)
		case "affiliations":
			if owner {
				return s.nodeAffiliations(r)
			}
			return s.ownAffiliations(r)
		}
	}
	return nil, stanza.ErrFeatureNotImplemented
}

// lookup returns the node named by the node attribute of the operation.
func (s *Service) lookup(r *request) (*node, error) {
	id := r.op.Get("node")
	if id == "" {
		return nil, errNodeIDRequired
	}
	n, ok := s.nodes[id]
	if !ok {
		return nil, stanza.ErrItemNotFound
	}
	return n, nil
}

// owned is like lookup but requires the requester to own the node.
func (s *Service) owned(r *request) (*node, error) {
	n, err := s.lookup(r)
	if err != nil {
		return nil, err
	}
	if n.affiliation(r.from) != Owner {
		return nil, stanza.ErrForbidden
	}
	return n, nil
}

// notify queues an event for every subscribed JID of n.
func (s *Service) notify(r *request, n *node, event *element.Element) {
	for _, to := range n.subscribed() {
		r.out = append(r.out, s.message(to, event.Copy()))
	}
}

func (s *Service) message(to string, event *element.Element) *element.Element {
	return stanza.New("message",
		"from", s.jid.String(),
		"to", to,
		"id", newID(),
	).Append(element.New(NSEvent, "event").Append(event))
}

func newID() string {
	return uuid.Must(uuid.NewV4()).String()
}
