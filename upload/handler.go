// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package upload

import (
	"context"
	"errors"
	"strconv"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

// Handler is a plugin that answers slot requests.
type Handler struct {
	issuer *Issuer
}

// NewHandler returns a plugin that issues slots with i.
func NewHandler(i *Issuer) Handler {
	return Handler{issuer: i}
}

// Namespaces implements plugin.Plugin.
func (Handler) Namespaces() []string {
	return []string{NS}
}

// Feed implements plugin.Plugin.
func (h Handler) Feed(_ context.Context, from jid.JID, iq *element.Element) (*element.Element, error) {
	switch iq.Get("type") {
	case stanza.GetIQ:
	case stanza.SetIQ:
		return nil, stanza.ErrBadRequest
	default:
		return nil, nil
	}
	f, err := ParseFile(iq.Child(NS, "request"))
	if err != nil {
		return nil, stanza.ErrBadRequest
	}
	slot, err := h.issuer.Issue(from, f)
	var tooLarge TooLargeError
	switch {
	case errors.As(err, &tooLarge):
		return tooLargeReply(iq, tooLarge.Max), nil
	case errors.Is(err, ErrInvalidFile):
		return nil, stanza.ErrBadRequest
	case err != nil:
		return nil, err
	}
	return stanza.Result(iq, slot.Element()), nil
}

// tooLargeReply is a not-acceptable error carrying the maximum file size.
func tooLargeReply(iq *element.Element, limit uint64) *element.Element {
	se := stanza.ErrNotAcceptable
	se.Text = "File too large. The maximum file size is " + strconv.FormatUint(limit, 10) + " bytes"
	errEl := se.Element()
	errEl.Append(element.New(NS, "file-too-large").Append(
		element.New(NS, "max-size").AppendText(strconv.FormatUint(limit, 10)),
	))
	return stanza.Reply(iq, stanza.ErrorIQ, errEl)
}
