// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"errors"
	"strconv"

	"go.uber.org/zap"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/form"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/storage"
)

// Node configuration fields.
const (
	FieldTitle       = "pubsub#title"
	FieldMaxItems    = "pubsub#max_items"
	FieldAccessModel = "pubsub#access_model"
	FieldNodeType    = "pubsub#node_type"
)

// ConfigForm returns the configuration form of n.
func ConfigForm(n storage.Node) *form.Data {
	return &form.Data{
		Type: form.TypeForm,
		Fields: []form.Field{
			{Var: form.FormType, Type: form.Hidden, Values: []string{NSNodeConfig}},
			{Var: FieldTitle, Type: form.TextSingle, Label: "A friendly name for the node", Values: []string{n.Name}},
			{Var: FieldMaxItems, Type: form.TextSingle, Label: "Max items to persist", Values: []string{strconv.Itoa(n.MaxItems)}},
			{
				Var:    FieldAccessModel,
				Type:   form.ListSingle,
				Label:  "Specify the subscriber model",
				Values: []string{n.AccessModel},
				Options: []form.Option{
					{Label: "Open", Value: Open},
					{Label: "Authorize", Value: Authorize},
				},
			},
			{Var: FieldNodeType, Type: form.Fixed, Label: "Whether the node is a leaf or a collection", Values: []string{n.Type}},
		},
	}
}

// applyConfig updates n with the values of a submitted configuration form.
// Unknown fields are ignored.
func applyConfig(n *storage.Node, d *form.Data, create bool) error {
	if d.Type == form.TypeCancel {
		return nil
	}
	if ft := d.FormType(); ft != "" && ft != NSNodeConfig {
		return errInvalidOptions
	}
	for _, f := range d.Fields {
		v := f.Value()
		switch f.Var {
		case FieldTitle:
			n.Name = v
		case FieldMaxItems:
			if v == "max" {
				n.MaxItems = 0
				continue
			}
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 0 {
				return errInvalidOptions
			}
			n.MaxItems = limit
		case FieldAccessModel:
			if v != Open && v != Authorize {
				return stanza.ErrNotAcceptable
			}
			n.AccessModel = v
		case FieldNodeType:
			if v != Leaf && v != Collection {
				return errInvalidOptions
			}
			if !create && v != n.Type {
				return stanza.ErrNotAcceptable
			}
			n.Type = v
		}
	}
	return nil
}

func (s *Service) create(r *request, configure *element.Element) (*element.Element, error) {
	id := r.op.Get("node")
	if id == "" {
		return nil, errNodeIDRequired
	}
	if _, ok := s.nodes[id]; ok {
		return nil, stanza.ErrConflict
	}
	if from, err := jid.Parse(r.from); err != nil || from.Domainpart() != s.host {
		return nil, stanza.ErrForbidden
	}

	n := storage.Node{
		ID:          id,
		Owner:       r.from,
		Type:        Leaf,
		MaxItems:    s.maxItems,
		AccessModel: Open,
	}
	if d, ok := form.Find(configure); ok {
		if err := applyConfig(&n, d, true); err != nil {
			return nil, err
		}
	}
	err := s.store.CreateNode(r.ctx, n)
	if errors.Is(err, storage.ErrConflict) {
		return nil, stanza.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	s.logger.Debug("node created", zap.String("node", id), zap.String("owner", r.from))
	return nil, s.refresh(r.ctx)
}

func (s *Service) configForm(r *request) (*element.Element, error) {
	n, err := s.owned(r)
	if err != nil {
		return nil, err
	}
	return element.New(r.space, "configure", "node", n.ID).Append(ConfigForm(n.Node).Element()), nil
}

func (s *Service) defaultForm(r *request) (*element.Element, error) {
	def := storage.Node{Type: Leaf, MaxItems: s.maxItems, AccessModel: Open}
	return element.New(r.space, "default").Append(ConfigForm(def).Element()), nil
}

func (s *Service) configure(r *request) (*element.Element, error) {
	n, err := s.owned(r)
	if err != nil {
		return nil, err
	}
	d, ok := form.Find(r.op)
	if !ok {
		return nil, errInvalidOptions
	}
	updated := n.Node
	if err := applyConfig(&updated, d, false); err != nil {
		return nil, err
	}
	if err := s.store.UpdateNode(r.ctx, updated); err != nil {
		return nil, err
	}
	return nil, s.refresh(r.ctx)
}

func (s *Service) deleteNode(r *request) (*element.Element, error) {
	n, err := s.owned(r)
	if err != nil {
		return nil, err
	}
	err = s.store.DeleteNode(r.ctx, n.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, stanza.ErrItemNotFound
	case err != nil:
		return nil, err
	}
	s.notify(r, n, element.New(NSEvent, "delete", "node", n.ID))
	s.logger.Debug("node deleted", zap.String("node", n.ID))
	return nil, s.refresh(r.ctx)
}

func (s *Service) purge(r *request) (*element.Element, error) {
	n, err := s.owned(r)
	if err != nil {
		return nil, err
	}
	if err := s.store.PurgeItems(r.ctx, n.ID); err != nil {
		return nil, err
	}
	s.notify(r, n, element.New(NSEvent, "purge", "node", n.ID))
	return nil, nil
}
