// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package decl contains functionality related to XML declarations.
package decl

import (
	"bytes"
	"encoding/xml"
)

const (
	// XMLHeader is an XML header like the one in encoding/xml but without a
	// newline at the end.
	XMLHeader = `<?xml version="1.0" encoding="UTF-8"?>`
)

// IsDecl reports whether tok is an XML declaration.
func IsDecl(tok xml.Token) bool {
	proc, ok := tok.(xml.ProcInst)
	return ok && proc.Target == "xml"
}

type skipper struct {
	r       xml.TokenReader
	started bool
}

// Token implements xml.TokenReader for Reader.
func (r *skipper) Token() (xml.Token, error) {
	for {
		tok, err := r.r.Token()
		if r.started || tok == nil {
			return tok, err
		}
		switch t := tok.(type) {
		case xml.ProcInst:
			if IsDecl(t) {
				if err != nil {
					return nil, err
				}
				continue
			}
		case xml.CharData:
			if len(bytes.TrimSpace(t)) == 0 {
				if err != nil {
					return nil, err
				}
				continue
			}
		}
		r.started = true
		return tok, err
	}
}

// Skip wraps a token reader and skips any XML declaration and whitespace that
// appear before the first significant token. A stream restart may be preceded
// by whitespace keepalives, so the declaration is not always the first token.
func Skip(r xml.TokenReader) xml.TokenReader {
	return &skipper{r: r}
}
