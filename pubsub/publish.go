// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"errors"
	"strconv"

	"go.uber.org/zap"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/storage"
)

func canPublish(affiliation string) bool {
	return affiliation == Owner || affiliation == Publisher
}

// itemElement decodes the stored payload of item into an <item/> element.
func itemElement(space string, item storage.Item) *element.Element {
	el := element.New(space, "item", "id", item.ID)
	if item.Payload == "" {
		return el
	}
	payload, err := element.Parse(item.Payload)
	if err != nil {
		return el
	}
	return el.Append(payload)
}

func (s *Service) publish(r *request) (*element.Element, error) {
	n, err := s.lookup(r)
	if err != nil {
		return nil, err
	}
	if n.Type == Collection {
		return nil, Unsupported.Error(stanza.ErrFeatureNotImplemented)
	}
	if !canPublish(n.affiliation(r.from)) {
		return nil, stanza.ErrForbidden
	}
	items := r.op.ChildrenNamed("", "item")
	switch len(items) {
	case 0:
		return nil, errItemRequired
	case 1:
	default:
		return nil, stanza.ErrBadRequest
	}
	payloads := items[0].Children()
	switch len(payloads) {
	case 0:
		return nil, errPayloadRequired
	case 1:
	default:
		return nil, errInvalidPayload
	}

	item := storage.Item{
		Node:      n.ID,
		Publisher: r.from,
		ID:        items[0].Get("id"),
		Payload:   payloads[0].String(),
	}
	if item.ID == "" {
		item.ID = newID()
	}
	evicted, err := s.store.PublishItem(r.ctx, item, n.MaxItems)
	if err != nil {
		return nil, err
	}
	if len(evicted) > 0 {
		s.logger.Debug("items evicted", zap.String("node", n.ID), zap.Strings("items", evicted))
	}

	event := element.New(NSEvent, "items", "node", n.ID).Append(itemElement(NSEvent, item))
	s.notify(r, n, event)
	return element.New(r.space, "publish", "node", n.ID).Append(
		element.New(r.space, "item", "id", item.ID),
	), nil
}

func (s *Service) retract(r *request) (*element.Element, error) {
	n, err := s.lookup(r)
	if err != nil {
		return nil, err
	}
	el := r.op.Child("", "item")
	if el == nil || el.Get("id") == "" {
		return nil, errItemRequired
	}
	item, err := s.store.Item(r.ctx, n.ID, el.Get("id"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, stanza.ErrItemNotFound
	case err != nil:
		return nil, err
	}
	if n.affiliation(r.from) != Owner && item.Publisher != r.from {
		return nil, stanza.ErrForbidden
	}
	err = s.store.RetractItem(r.ctx, n.ID, item.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, stanza.ErrItemNotFound
	case err != nil:
		return nil, err
	}
	if notify := r.op.Get("notify"); notify == "1" || notify == "true" {
		s.notify(r, n, element.New(NSEvent, "items", "node", n.ID).Append(
			element.New(NSEvent, "retract", "id", item.ID),
		))
	}
	return nil, nil
}

func (s *Service) items(r *request) (*element.Element, error) {
	n, err := s.lookup(r)
	if err != nil {
		return nil, err
	}
	aff := n.affiliation(r.from)
	if aff == Outcast {
		return nil, stanza.ErrForbidden
	}
	if n.AccessModel == Authorize && aff == None && !isSubscribed(n, r.from) {
		return nil, NotSubscribed.Error(stanza.ErrNotAuthorized)
	}

	var found []storage.Item
	if wanted := r.op.ChildrenNamed("", "item"); len(wanted) > 0 {
		for _, w := range wanted {
			item, err := s.store.Item(r.ctx, n.ID, w.Get("id"))
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			found = append(found, item)
		}
	} else {
		limit := 0
		if v := r.op.Get("max_items"); v != "" {
			limit, err = strconv.Atoi(v)
			if err != nil || limit < 1 {
				return nil, stanza.ErrBadRequest
			}
		}
		found, err = s.store.Items(r.ctx, n.ID, limit)
		if err != nil {
			return nil, err
		}
	}

	list := element.New(r.space, "items", "node", n.ID)
	for _, item := range found {
		list.Append(itemElement(r.space, item))
	}
	return list, nil
}

func isSubscribed(n *node, j string) bool {
	for _, sub := range n.subscriptions[j] {
		if sub.Subscription == Subscribed {
			return true
		}
	}
	return false
}
