// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
)

// ErrorType is the type of an stanza error payloads.
// It should normally be one of the constants defined in this package.
type ErrorType string

const (
	// Cancel indicates that the error cannot be remedied and the operation should
	// not be retried.
	Cancel ErrorType = "cancel"

	// Auth indicates that an operation should be retried after providing
	// credentials.
	Auth ErrorType = "auth"

	// Continue indicates that the operation can proceed (the condition was only a
	// warning).
	Continue ErrorType = "continue"

	// Modify indicates that the operation can be retried after changing the data
	// sent.
	Modify ErrorType = "modify"

	// Wait is indicates that an error is temporary and may be retried.
	Wait ErrorType = "wait"
)

// Condition represents a more specific stanza error condition that can be
// encapsulated by an <error/> element.
type Condition string

// A list of stanza error conditions defined in RFC 6120 §8.3.3.
//
// Conditions that reveal whether a user is online (ItemNotFound and
// RecipientUnavailable) must not be returned to entities that are not
// authorized to know that; ServiceUnavailable is used instead.
const (
	BadRequest            Condition = "bad-request"
	Conflict              Condition = "conflict"
	FeatureNotImplemented Condition = "feature-not-implemented"
	Forbidden             Condition = "forbidden"
	Gone                  Condition = "gone"
	InternalServerError   Condition = "internal-server-error"
	ItemNotFound          Condition = "item-not-found"
	JIDMalformed          Condition = "jid-malformed"
	NotAcceptable         Condition = "not-acceptable"
	NotAllowed            Condition = "not-allowed"
	NotAuthorized         Condition = "not-authorized"
	PolicyViolation       Condition = "policy-violation"
	RecipientUnavailable  Condition = "recipient-unavailable"
	Redirect              Condition = "redirect"
	RegistrationRequired  Condition = "registration-required"
	RemoteServerNotFound  Condition = "remote-server-not-found"
	RemoteServerTimeout   Condition = "remote-server-timeout"
	ResourceConstraint    Condition = "resource-constraint"
	ServiceUnavailable    Condition = "service-unavailable"
	SubscriptionRequired  Condition = "subscription-required"
	UndefinedCondition    Condition = "undefined-condition"
	UnexpectedRequest     Condition = "unexpected-request"
)

// Error is a stanza level error. It is returned by plugins and handlers and
// converted into an <error/> element by the router.
//
// App is an optional application specific condition, for example one of the
// pubsub#errors conditions.
type Error struct {
	By        jid.JID
	Type      ErrorType
	Condition Condition
	App       xml.Name
	Text      string
}

// Error satisfies the error interface by returning the text or, if none is
// set, the condition.
func (se Error) Error() string {
	if se.Text != "" {
		return se.Text
	}
	if se.App.Local != "" {
		return string(se.Condition) + ": " + se.App.Local
	}
	return string(se.Condition)
}

// Element returns the <error/> element for se.
func (se Error) Element() *element.Element {
	el := element.New(ns.Client, "error", "type", string(se.Type), "by", se.By.String())
	el.Append(element.New(ns.Stanza, string(se.Condition)))
	if se.App.Local != "" {
		el.Append(element.New(se.App.Space, se.App.Local))
	}
	if se.Text != "" {
		el.Append(element.New(ns.Stanza, "text").AppendText(se.Text))
	}
	return el
}

// TokenReader satisfies the xmlstream.Marshaler interface for Error.
func (se Error) TokenReader() xml.TokenReader {
	return se.Element().TokenReader()
}

// ErrorFromElement reads the stanza error child of a stanza with type
// "error". It reports false if no error child was found.
func ErrorFromElement(stanza *element.Element) (Error, bool) {
	errEl := stanza.Child("", "error")
	if errEl == nil {
		return Error{}, false
	}
	se := Error{Type: ErrorType(errEl.Get("type"))}
	if by := errEl.Get("by"); by != "" {
		se.By, _ = jid.Parse(by)
	}
	for _, c := range errEl.Children() {
		switch {
		case c.Name.Space == ns.Stanza && c.Name.Local == "text":
			se.Text = c.Text()
		case c.Name.Space == ns.Stanza:
			se.Condition = Condition(c.Name.Local)
		default:
			se.App = c.Name
		}
	}
	return se, true
}

// Common errors with the error type recommended by RFC 6120.
var (
	ErrBadRequest            = Error{Type: Modify, Condition: BadRequest}
	ErrConflict              = Error{Type: Cancel, Condition: Conflict}
	ErrFeatureNotImplemented = Error{Type: Cancel, Condition: FeatureNotImplemented}
	ErrForbidden             = Error{Type: Auth, Condition: Forbidden}
	ErrInternalServerError   = Error{Type: Cancel, Condition: InternalServerError}
	ErrItemNotFound          = Error{Type: Cancel, Condition: ItemNotFound}
	ErrJIDMalformed          = Error{Type: Modify, Condition: JIDMalformed}
	ErrNotAcceptable         = Error{Type: Modify, Condition: NotAcceptable}
	ErrNotAllowed            = Error{Type: Cancel, Condition: NotAllowed}
	ErrNotAuthorized         = Error{Type: Auth, Condition: NotAuthorized}
	ErrServiceUnavailable    = Error{Type: Cancel, Condition: ServiceUnavailable}
)
