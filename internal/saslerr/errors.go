// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package saslerr provides error conditions for the XMPP profile of SASL as
// defined by RFC 6120 §6.5.
package saslerr // import "mellium.im/xmppd/internal/saslerr"

import (
	"encoding/xml"

	"golang.org/x/text/language"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
)

// Condition is a SASL error condition that can be encapsulated by a
// <failure/> element.
type Condition string

// Standard SASL error conditions.
const (
	Aborted              Condition = "aborted"
	AccountDisabled      Condition = "account-disabled"
	CredentialsExpired   Condition = "credentials-expired"
	EncryptionRequired   Condition = "encryption-required"
	IncorrectEncoding    Condition = "incorrect-encoding"
	InvalidAuthzID       Condition = "invalid-authzid"
	InvalidMechanism     Condition = "invalid-mechanism"
	MalformedRequest     Condition = "malformed-request"
	MechanismTooWeak     Condition = "mechanism-too-weak"
	NotAuthorized        Condition = "not-authorized"
	TemporaryAuthFailure Condition = "temporary-auth-failure"
)

// Failure is a SASL error that is sent to the peer.
type Failure struct {
	Condition Condition
	Lang      language.Tag
	Text      string
}

// Error satisfies the error interface for a Failure. It returns the text string
// if set, or the condition otherwise.
func (f Failure) Error() string {
	if f.Text != "" {
		return f.Text
	}
	return string(f.Condition)
}

// Element returns the <failure/> element.
func (f Failure) Element() *element.Element {
	el := element.New(ns.SASL, "failure").Append(element.New(ns.SASL, string(f.Condition)))
	if f.Text != "" {
		text := element.New(ns.SASL, "text").AppendText(f.Text)
		if f.Lang != language.Und {
			text.Attr = append(text.Attr, xml.Attr{
				Name:  xml.Name{Space: ns.XML, Local: "lang"},
				Value: f.Lang.String(),
			})
		}
		el.Append(text)
	}
	return el
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (f Failure) TokenReader() xml.TokenReader {
	return f.Element().TokenReader()
}

// FromElement reads a received <failure/> element.
// If several text elements are present the one whose xml:lang best matches
// prefer is selected.
func FromElement(el *element.Element, prefer language.Tag) Failure {
	f := Failure{Lang: prefer}
	var (
		tags []language.Tag
		data = make(map[language.Tag]string)
	)
	for _, c := range el.Children() {
		if c.Name.Local != "text" {
			if f.Condition == "" {
				f.Condition = Condition(c.Name.Local)
			}
			continue
		}
		tag, err := language.Parse(c.Lang())
		if err != nil {
			tag = language.Und
		}
		tags = append(tags, tag)
		data[tag] = c.Text()
	}
	if len(tags) == 0 {
		return f
	}
	_, idx, _ := language.NewMatcher(tags).Match(prefer)
	f.Lang = tags[idx]
	f.Text = data[f.Lang]
	return f
}
