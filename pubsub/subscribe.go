// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"errors"
	"sort"

	"go.uber.org/zap"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/form"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/storage"
)

// subscriber returns the jid attribute of the operation if it is the bare JID
// of the requester.
func subscriber(r *request) (string, error) {
	j, err := jid.Parse(r.op.Get("jid"))
	if err != nil || j.Bare().String() != r.from {
		return "", errInvalidJID
	}
	return r.from, nil
}

func subscriptionElement(space string, sub storage.Subscriber, withNode bool) *element.Element {
	el := element.New(space, "subscription")
	if withNode {
		el.SetAttr("node", sub.Node)
	}
	return el.SetAttr("jid", sub.JID).
		SetAttr("subid", sub.SubID).
		SetAttr("subscription", sub.Subscription)
}

func (s *Service) subscribe(r *request) (*element.Element, error) {
	id := r.op.Get("node")
	if id == "" {
		return nil, errNodeIDRequired
	}
	j, err := subscriber(r)
	if err != nil {
		return nil, err
	}
	n, ok := s.nodes[id]
	if !ok {
		return nil, stanza.ErrItemNotFound
	}
	aff := n.affiliation(j)
	if aff == Outcast {
		return nil, stanza.ErrForbidden
	}
	for _, sub := range n.subscriptions[j] {
		switch sub.Subscription {
		case Pending:
			return nil, errPendingSubscription
		case Subscribed:
			return subscriptionElement(r.space, sub, true), nil
		}
	}

	sub := storage.Subscriber{
		Node:         id,
		JID:          j,
		SubID:        newID(),
		Subscription: Subscribed,
		Affiliation:  None,
	}
	if n.AccessModel == Authorize && aff != Owner && aff != Publisher {
		sub.Subscription = Pending
		for owner, a := range n.affiliations {
			if a == Owner {
				r.out = append(r.out, s.authorizationRequest(owner, sub))
			}
		}
	}
	if err := s.store.PutSubscriber(r.ctx, sub); err != nil {
		return nil, err
	}
	s.logger.Debug("subscribed",
		zap.String("node", id),
		zap.String("jid", j),
		zap.String("subscription", sub.Subscription),
	)
	if err := s.refresh(r.ctx); err != nil {
		return nil, err
	}
	return subscriptionElement(r.space, sub, true), nil
}

// authorizationRequest asks an owner to approve a pending subscription.
func (s *Service) authorizationRequest(owner string, sub storage.Subscriber) *element.Element {
	d := &form.Data{
		Type:  form.TypeForm,
		Title: "PubSub subscriber request",
		Fields: []form.Field{
			{Var: form.FormType, Type: form.Hidden, Values: []string{NSSubAuth}},
			{Var: "pubsub#subid", Type: form.Hidden, Values: []string{sub.SubID}},
			{Var: "pubsub#node", Type: form.TextSingle, Label: "Node ID", Values: []string{sub.Node}},
			{Var: "pubsub#subscriber_jid", Type: form.JIDSingle, Label: "Subscriber Address", Values: []string{sub.JID}},
			{Var: "pubsub#allow", Type: form.Boolean, Label: "Allow this JID to subscribe to this pubsub node?", Values: []string{"false"}},
		},
	}
	return stanza.New("message",
		"from", s.jid.String(),
		"to", owner,
		"id", newID(),
	).Append(d.Element())
}

func (s *Service) unsubscribe(r *request) (*element.Element, error) {
	id := r.op.Get("node")
	if id == "" {
		return nil, errNodeIDRequired
	}
	j, err := subscriber(r)
	if err != nil {
		return nil, err
	}
	n, ok := s.nodes[id]
	if !ok {
		return nil, stanza.ErrItemNotFound
	}
	subs := n.subscriptions[j]
	if len(subs) == 0 {
		return nil, errNotSubscribed
	}

	subid := r.op.Get("subid")
	switch {
	case subid == "" && len(subs) > 1:
		return nil, errSubIDRequired
	case subid == "":
		subid = subs[0].SubID
	default:
		found := false
		for _, sub := range subs {
			if sub.SubID == subid {
				found = true
				break
			}
		}
		if !found {
			return nil, errInvalidSubID
		}
	}
	err = s.store.DeleteSubscriber(r.ctx, id, j, subid)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, errNotSubscribed
	case err != nil:
		return nil, err
	}
	return nil, s.refresh(r.ctx)
}

// ownSubscriptions lists the subscriptions of the requester, optionally
// limited to a single node.
func (s *Service) ownSubscriptions(r *request) (*element.Element, error) {
	filter := r.op.Get("node")
	if filter != "" {
		if _, ok := s.nodes[filter]; !ok {
			return nil, stanza.ErrItemNotFound
		}
	}
	list := element.New(r.space, "subscriptions", "node", filter)
	for _, id := range s.nodeIDs() {
		if filter != "" && id != filter {
			continue
		}
		for _, sub := range s.nodes[id].subscriptions[r.from] {
			list.Append(subscriptionElement(r.space, sub, true))
		}
	}
	return list, nil
}

func (s *Service) nodeSubscriptions(r *request) (*element.Element, error) {
	n, err := s.owned(r)
	if err != nil {
		return nil, err
	}
	list := element.New(r.space, "subscriptions", "node", n.ID)
	jids := make([]string, 0, len(n.subscriptions))
	for j := range n.subscriptions {
		jids = append(jids, j)
	}
	sort.Strings(jids)
	for _, j := range jids {
		for _, sub := range n.subscriptions[j] {
			list.Append(subscriptionElement(r.space, sub, false))
		}
	}
	return list, nil
}

// setSubscriptions lets an owner approve, change or cancel subscriptions.
func (s *Service) setSubscriptions(r *request) (*element.Element, error) {
	n, err := s.owned(r)
	if err != nil {
		return nil, err
	}
	type change struct {
		jid, subid, state string
	}
	var changes []change
	for _, el := range r.op.ChildrenNamed("", "subscription") {
		j, err := jid.Parse(el.Get("jid"))
		if err != nil {
			return nil, errInvalidJID
		}
		state := el.Get("subscription")
		switch state {
		case None, Pending, Unconfigured, Subscribed:
		default:
			return nil, stanza.ErrBadRequest
		}
		changes = append(changes, change{jid: j.Bare().String(), subid: el.Get("subid"), state: state})
	}

	for _, c := range changes {
		subs := n.subscriptions[c.jid]
		if c.subid != "" {
			var match []storage.Subscriber
			for _, sub := range subs {
				if sub.SubID == c.subid {
					match = append(match, sub)
				}
			}
			if len(match) == 0 {
				return nil, errInvalidSubID
			}
			subs = match
		}
		if len(subs) == 0 {
			if c.state == None {
				continue
			}
			subs = []storage.Subscriber{{Node: n.ID, JID: c.jid, SubID: newID(), Affiliation: None}}
		}
		for _, sub := range subs {
			if c.state == None {
				if err := s.store.DeleteSubscriber(r.ctx, n.ID, sub.JID, sub.SubID); err != nil && !errors.Is(err, storage.ErrNotFound) {
					return nil, err
				}
			} else {
				sub.Subscription = c.state
				if err := s.store.PutSubscriber(r.ctx, sub); err != nil {
					return nil, err
				}
			}
			sub.Subscription = c.state
			r.out = append(r.out, s.message(c.jid, subscriptionElement(NSEvent, sub, true)))
		}
	}
	return nil, s.refresh(r.ctx)
}

// nodeIDs returns the sorted IDs of all nodes.
func (s *Service) nodeIDs() []string {
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
