// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package saslerr_test

import (
	"fmt"
	"testing"

	"golang.org/x/text/language"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/saslerr"
)

func TestElement(t *testing.T) {
	for i, tc := range [...]struct {
		f   saslerr.Failure
		out string
	}{
		0: {
			f:   saslerr.Failure{Condition: saslerr.NotAuthorized},
			out: `<failure xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><not-authorized></not-authorized></failure>`,
		},
		1: {
			f:   saslerr.Failure{Condition: saslerr.MalformedRequest, Text: "bad"},
			out: `<failure xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><malformed-request></malformed-request><text>bad</text></failure>`,
		},
		2: {
			f:   saslerr.Failure{Condition: saslerr.Aborted, Lang: language.English, Text: "stop"},
			out: `<failure xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><aborted></aborted><text xml:lang="en">stop</text></failure>`,
		},
	} {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			if got := tc.f.Element().String(); got != tc.out {
				t.Errorf("wrong output:\nwant=%s\n got=%s", tc.out, got)
			}
		})
	}
}

func TestFromElement(t *testing.T) {
	el := element.MustParse(`<failure xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><account-disabled/><text xml:lang='en'>gone</text><text xml:lang='de'>weg</text></failure>`)
	f := saslerr.FromElement(el, language.German)
	if f.Condition != saslerr.AccountDisabled {
		t.Errorf("wrong condition %q", f.Condition)
	}
	if f.Text != "weg" {
		t.Errorf("expected the German text, got %q", f.Text)
	}
	if f.Error() != "weg" {
		t.Errorf("Error() should return the text, got %q", f.Error())
	}
}
