// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package decl_test

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"mellium.im/xmlstream"

	"mellium.im/xmppd/internal/decl"
)

const header = `<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>`

var skipTests = [...]struct {
	in    string
	first string
}{
	0: {in: header, first: "stream"},
	1: {in: decl.XMLHeader + header, first: "stream"},
	2: {in: "\n  " + decl.XMLHeader + "\n" + header, first: "stream"},
	3: {in: " \t\r\n" + header, first: "stream"},
	4: {in: `<?xml?><iq/>`, first: "iq"},
}

func TestSkip(t *testing.T) {
	for i, tc := range skipTests {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			d := decl.Skip(xml.NewDecoder(strings.NewReader(tc.in)))
			tok, err := d.Token()
			if err != nil {
				t.Fatalf("error reading first token: %v", err)
			}
			start, ok := tok.(xml.StartElement)
			if !ok {
				t.Fatalf("expected start element, got %T %[1]v", tok)
			}
			if start.Name.Local != tc.first {
				t.Errorf("unexpected element: want=%q, got=%q", tc.first, start.Name.Local)
			}
		})
	}
}

func TestSignificantTokensKept(t *testing.T) {
	d := decl.Skip(xml.NewDecoder(strings.NewReader(`<?sgml?><a> </a>`)))
	if tok, _ := d.Token(); !isProcInst(tok, "sgml") {
		t.Fatalf("other processing instructions must not be skipped, got %v", tok)
	}
	if _, err := d.Token(); err != nil {
		t.Fatal(err)
	}
	tok, err := d.Token()
	if err != nil {
		t.Fatal(err)
	}
	if cd, ok := tok.(xml.CharData); !ok || string(cd) != " " {
		t.Errorf("whitespace after the first token must be kept, got %v", tok)
	}
}

func isProcInst(tok xml.Token, target string) bool {
	p, ok := tok.(xml.ProcInst)
	return ok && p.Target == target
}

func TestOnlyDecl(t *testing.T) {
	d := decl.Skip(xmlstream.Token(xml.ProcInst{Target: "xml"}))
	for i := 0; i < 2; i++ {
		tok, err := d.Token()
		if !errors.Is(err, io.EOF) {
			t.Errorf("expected EOF on read %d, got %v", i, err)
		}
		if tok != nil {
			t.Errorf("unexpected token on read %d: %v", i, tok)
		}
	}
}

func TestIsDecl(t *testing.T) {
	if !decl.IsDecl(xml.ProcInst{Target: "xml", Inst: []byte(`version="1.0"`)}) {
		t.Error("expected xml target to be a declaration")
	}
	for _, tok := range []xml.Token{xml.ProcInst{Target: "xml-stylesheet"}, xml.CharData("xml"), xml.StartElement{}} {
		if decl.IsDecl(tok) {
			t.Errorf("%v reported as a declaration", tok)
		}
	}
}
