// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"mellium.im/xmppd/disco/info"
	"mellium.im/xmppd/disco/items"
	"mellium.im/xmppd/stanza"
)

// Features advertised by the service.
var Features = []string{
	NS,
	NS + "#access-authorize",
	NS + "#access-open",
	NS + "#config-node",
	NS + "#create-nodes",
	NS + "#delete-nodes",
	NS + "#manage-subscriptions",
	NS + "#modify-affiliations",
	NS + "#publish",
	NS + "#purge-nodes",
	NS + "#retract-items",
	NS + "#retrieve-affiliations",
	NS + "#retrieve-default",
	NS + "#retrieve-items",
	NS + "#retrieve-subscriptions",
	NS + "#subscribe",
}

// ForIdentities implements info.IdentityIter.
func (s *Service) ForIdentities(node string, f func(info.Identity) error) error {
	if node == "" {
		return f(info.Identity{Category: "pubsub", Type: "service", Name: s.Name()})
	}
	s.mu.Lock()
	n, ok := s.nodes[node]
	var id info.Identity
	if ok {
		id = info.Identity{Category: "pubsub", Type: n.Type, Name: n.Name}
	}
	s.mu.Unlock()
	if !ok {
		return stanza.ErrItemNotFound
	}
	return f(id)
}

// ForFeatures implements info.FeatureIter.
func (s *Service) ForFeatures(node string, f func(info.Feature) error) error {
	feats := Features
	if node != "" {
		s.mu.Lock()
		_, ok := s.nodes[node]
		s.mu.Unlock()
		if !ok {
			return stanza.ErrItemNotFound
		}
		feats = []string{NS}
	}
	for _, v := range feats {
		if err := f(info.Feature{Var: v}); err != nil {
			return err
		}
	}
	return nil
}

// ForItems implements items.Iter by listing the nodes of the service.
func (s *Service) ForItems(node string, f func(items.Item) error) error {
	if node != "" {
		s.mu.Lock()
		_, ok := s.nodes[node]
		s.mu.Unlock()
		if !ok {
			return stanza.ErrItemNotFound
		}
		return nil
	}
	s.mu.Lock()
	var list []items.Item
	for _, id := range s.nodeIDs() {
		list = append(list, items.Item{JID: s.jid, Node: id, Name: s.nodes[id].Name})
	}
	s.mu.Unlock()
	for _, item := range list {
		if err := f(item); err != nil {
			return err
		}
	}
	return nil
}
