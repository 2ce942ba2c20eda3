// Copyright 2014 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jid

import (
	"encoding/xml"
	"errors"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// Errors returned when parsing addresses.
var (
	ErrEmptyDomain    = errors.New("jid: the domainpart must be between 1 and 1023 bytes")
	ErrEmptyLocal     = errors.New("jid: the localpart must be larger than 0 bytes")
	ErrEmptyResource  = errors.New("jid: the resourcepart must be larger than 0 bytes")
	ErrInvalidUTF8    = errors.New("jid: address contains invalid UTF-8")
	ErrForbiddenLocal = errors.New("jid: localpart contains forbidden characters")
	ErrPartTooLong    = errors.New("jid: parts must be smaller than 1024 bytes")
	ErrInvalidIPv6    = errors.New("jid: domainpart is not a valid IPv6 address")
)

// JID represents an XMPP address comprising a localpart, domainpart, and
// resourcepart. All parts are stored in their canonical form so that two JIDs
// may be compared with == or Equal.
type JID struct {
	local    string
	domain   string
	resource string
}

// Parse constructs a new JID from the given string representation.
func Parse(s string) (JID, error) {
	localpart, domainpart, resourcepart, err := SplitString(s)
	if err != nil {
		return JID{}, err
	}
	return New(localpart, domainpart, resourcepart)
}

// MustParse is like Parse but panics if the JID cannot be parsed.
// It simplifies safe initialization of JIDs from known-good constant strings.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		if strconv.CanBackquote(s) {
			s = "`" + s + "`"
		} else {
			s = strconv.Quote(s)
		}
		panic(`jid: Parse(` + s + `): ` + err.Error())
	}
	return j
}

// New constructs a new JID from the given localpart, domainpart, and
// resourcepart.
func New(localpart, domainpart, resourcepart string) (JID, error) {
	if !utf8.ValidString(localpart) || !utf8.ValidString(resourcepart) {
		return JID{}, ErrInvalidUTF8
	}

	// RFC 7622 §3.2.1: each A-label MUST be converted to a U-label during
	// preparation of a string for inclusion in a domainpart slot.
	domainpart = strings.TrimSuffix(domainpart, ".")
	domainpart, err := idna.ToUnicode(domainpart)
	if err != nil {
		return JID{}, err
	}
	if !utf8.ValidString(domainpart) {
		return JID{}, ErrInvalidUTF8
	}
	domainpart = strings.ToLower(domainpart)

	if localpart != "" {
		localpart, err = precis.UsernameCaseMapped.String(localpart)
		if err != nil {
			return JID{}, err
		}
	}
	if resourcepart != "" {
		resourcepart, err = precis.OpaqueString.String(resourcepart)
		if err != nil {
			return JID{}, err
		}
	}

	if err := commonChecks(localpart, domainpart, resourcepart); err != nil {
		return JID{}, err
	}
	return JID{local: localpart, domain: domainpart, resource: resourcepart}, nil
}

// Domain returns a JID for the given domainpart.
func Domain(domainpart string) (JID, error) {
	return New("", domainpart, "")
}

// WithResource returns a copy of the JID with a new resourcepart.
// This elides validation of the localpart and domainpart.
func (j JID) WithResource(resourcepart string) (JID, error) {
	j.resource = ""
	if resourcepart == "" {
		return j, nil
	}
	if !utf8.ValidString(resourcepart) {
		return JID{}, ErrInvalidUTF8
	}
	r, err := precis.OpaqueString.String(resourcepart)
	if err != nil {
		return JID{}, err
	}
	if len(r) > 1023 {
		return JID{}, ErrPartTooLong
	}
	j.resource = r
	return j, nil
}

// Bare returns a copy of the JID without a resourcepart.
func (j JID) Bare() JID {
	j.resource = ""
	return j
}

// Domain returns a copy of the JID without a resourcepart or localpart.
func (j JID) Domain() JID {
	return JID{domain: j.domain}
}

// Localpart gets the localpart of a JID (eg "username").
func (j JID) Localpart() string {
	return j.local
}

// Domainpart gets the domainpart of a JID (eg. "example.net").
func (j JID) Domainpart() string {
	return j.domain
}

// Resourcepart gets the resourcepart of a JID.
func (j JID) Resourcepart() string {
	return j.resource
}

// IsZero reports whether j is the empty address.
func (j JID) IsZero() bool {
	return j.domain == ""
}

// IsBare reports whether the JID has no resourcepart.
func (j JID) IsBare() bool {
	return j.resource == ""
}

// Network satisfies the net.Addr interface by returning the name of the network
// ("xmpp").
func (JID) Network() string {
	return "xmpp"
}

// String converts a JID to its string representation.
func (j JID) String() string {
	if j.domain == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(j.local) + len(j.domain) + len(j.resource) + 2)
	if j.local != "" {
		b.WriteString(j.local)
		b.WriteByte('@')
	}
	b.WriteString(j.domain)
	if j.resource != "" {
		b.WriteByte('/')
		b.WriteString(j.resource)
	}
	return b.String()
}

// Equal performs an octet-for-octet comparison with the given JID.
func (j JID) Equal(j2 JID) bool {
	return j == j2
}

// MarshalXML satisfies the xml.Marshaler interface and marshals the JID as
// XML chardata.
func (j JID) MarshalXML(e *xml.Encoder, start xml.StartElement) (err error) {
	if err = e.EncodeToken(start); err != nil {
		return
	}
	if err = e.EncodeToken(xml.CharData(j.String())); err != nil {
		return
	}
	if err = e.EncodeToken(start.End()); err != nil {
		return
	}
	return e.Flush()
}

// UnmarshalXML satisfies the xml.Unmarshaler interface and unmarshals the JID
// from the elements chardata.
func (j *JID) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	data := struct {
		CharData string `xml:",chardata"`
	}{}
	if err := d.DecodeElement(&data, &start); err != nil {
		return err
	}
	j2, err := Parse(data.CharData)
	if err != nil {
		return err
	}
	*j = j2
	return nil
}

// MarshalXMLAttr satisfies the xml.MarshalerAttr interface and marshals the JID
// as an XML attribute.
func (j JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	if j.IsZero() {
		return xml.Attr{}, nil
	}
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr satisfies the xml.UnmarshalerAttr interface and unmarshals
// an XML attribute into a valid JID (or returns an error).
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	if attr.Value == "" {
		return nil
	}
	j2, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = j2
	return nil
}

// SplitString splits out the localpart, domainpart, and resourcepart from a
// string representation of a JID. The parts are not guaranteed to be valid.
func SplitString(s string) (localpart, domainpart, resourcepart string, err error) {
	// RFC 7622 §3.1: separators are matched before any transformation is
	// applied. The domainpart is what remains once everything from the first
	// '/' and everything up to the first '@' are removed.
	if sep := strings.Index(s, "/"); sep != -1 {
		if sep == len(s)-1 {
			err = ErrEmptyResource
			return
		}
		resourcepart = s[sep+1:]
		s = s[:sep]
	}

	switch sep := strings.Index(s, "@"); sep {
	case -1:
		domainpart = s
	case 0:
		err = ErrEmptyLocal
		return
	default:
		domainpart = s[sep+1:]
		localpart = s[:sep]
	}

	domainpart = strings.TrimSuffix(domainpart, ".")
	return
}

func commonChecks(localpart, domainpart, resourcepart string) error {
	if len(localpart) > 1023 || len(resourcepart) > 1023 {
		return ErrPartTooLong
	}

	// RFC 7622 §3.3.1 provides a small table of characters which are still not
	// allowed in localpart's even though the IdentifierClass base class and the
	// UsernameCaseMapped profile don't forbid them.
	if strings.ContainsAny(localpart, `"&'/:<>@`) {
		return ErrForbiddenLocal
	}

	if l := len(domainpart); l < 1 || l > 1023 {
		return ErrEmptyDomain
	}

	if l := len(domainpart); l > 2 && strings.HasPrefix(domainpart, "[") &&
		strings.HasSuffix(domainpart, "]") {
		if ip := net.ParseIP(domainpart[1 : l-1]); ip == nil || ip.To4() != nil {
			return ErrInvalidIPv6
		}
	}
	return nil
}
