// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"errors"
	"sort"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/storage"
)

func (s *Service) ownAffiliations(r *request) (*element.Element, error) {
	filter := r.op.Get("node")
	list := element.New(r.space, "affiliations", "node", filter)
	for _, id := range s.nodeIDs() {
		if filter != "" && id != filter {
			continue
		}
		if a, ok := s.nodes[id].affiliations[r.from]; ok {
			list.Append(element.New(r.space, "affiliation", "node", id, "affiliation", a))
		}
	}
	return list, nil
}

func (s *Service) nodeAffiliations(r *request) (*element.Element, error) {
	n, err := s.owned(r)
	if err != nil {
		return nil, err
	}
	jids := make([]string, 0, len(n.affiliations))
	for j := range n.affiliations {
		jids = append(jids, j)
	}
	sort.Strings(jids)
	list := element.New(r.space, "affiliations", "node", n.ID)
	for _, j := range jids {
		list.Append(element.New(r.space, "affiliation", "jid", j, "affiliation", n.affiliations[j]))
	}
	return list, nil
}

// setAffiliations lets an owner grant or revoke affiliations.
// The creator of a node always remains an owner.
func (s *Service) setAffiliations(r *request) (*element.Element, error) {
	n, err := s.owned(r)
	if err != nil {
		return nil, err
	}
	changes := make(map[string]string)
	var order []string
	for _, el := range r.op.ChildrenNamed("", "affiliation") {
		j, err := jid.Parse(el.Get("jid"))
		if err != nil {
			return nil, errInvalidJID
		}
		aff := el.Get("affiliation")
		switch aff {
		case Owner, Publisher, Member, None, Outcast:
		default:
			return nil, stanza.ErrBadRequest
		}
		bare := j.Bare().String()
		if bare == n.Owner && aff != Owner {
			return nil, stanza.ErrNotAcceptable
		}
		if _, ok := changes[bare]; !ok {
			order = append(order, bare)
		}
		changes[bare] = aff
	}

	for _, j := range order {
		aff := changes[j]
		if aff == None {
			err := s.store.DeleteSubscriber(r.ctx, n.ID, j, "")
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, err
			}
			continue
		}
		err := s.store.PutSubscriber(r.ctx, storage.Subscriber{
			Node:         n.ID,
			JID:          j,
			Subscription: None,
			Affiliation:  aff,
		})
		if err != nil {
			return nil, err
		}
		if aff != Outcast {
			continue
		}
		for _, sub := range n.subscriptions[j] {
			err := s.store.DeleteSubscriber(r.ctx, n.ID, j, sub.SubID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, err
			}
		}
	}
	return nil, s.refresh(r.ctx)
}
