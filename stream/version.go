// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// Version is the version attribute of a stream header.
type Version struct {
	Major uint8
	Minor uint8
}

// DefaultVersion is the version sent in our stream headers.
// Peers with a greater major version are refused.
var DefaultVersion = Version{Major: 1, Minor: 0}

// ParseVersion parses a version of the form "major.minor".
// Leading zeros are ignored so "01.00" is the same version as "1.0".
func ParseVersion(s string) (Version, error) {
	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return Version{}, fmt.Errorf("stream: malformed version %q", s)
	}
	maj, err := parseUint8(major)
	if err != nil {
		return Version{}, fmt.Errorf("stream: malformed version %q: %w", s, err)
	}
	mnr, err := parseUint8(minor)
	if err != nil {
		return Version{}, fmt.Errorf("stream: malformed version %q: %w", s, err)
	}
	return Version{Major: maj, Minor: mnr}, nil
}

func parseUint8(s string) (uint8, error) {
	if s == "" || strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return 0, strconv.ErrSyntax
	}
	if trimmed := strings.TrimLeft(s, "0"); trimmed != "" {
		s = trimmed
	} else {
		s = "0"
	}
	n, err := strconv.ParseUint(s, 10, 8)
	return uint8(n), err
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// UnmarshalXMLAttr satisfies the xml.UnmarshalerAttr interface.
func (v *Version) UnmarshalXMLAttr(attr xml.Attr) error {
	parsed, err := ParseVersion(attr.Value)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
