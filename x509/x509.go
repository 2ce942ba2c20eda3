// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package x509 extracts XMPP identities from X.509 certificates.
//
// Besides DNS names, certificates issued to XMPP services may carry the
// otherName SANs id-on-xmppAddr and id-on-dnsSRV (RFC 6120 §13.7.1.2, RFC
// 4985). These are used when verifying the peer of a server to server stream
// that authenticates with SASL EXTERNAL.
package x509 // import "mellium.im/xmppd/x509"

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"strings"
)

var (
	oidExtensionSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}
	oidXMPPAddr                = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 8, 5}
	oidDNSSRV                  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 8, 7}
)

// ErrNoIdentity is returned by VerifyDomain when the certificate does not
// identify the domain.
var ErrNoIdentity = errors.New("x509: certificate does not identify domain")

// Certificate is an X.509 certificate with the XMPP specific names.
type Certificate struct {
	*x509.Certificate

	SRVNames      []string
	XMPPAddresses []string
}

// FromCertificate parses the XMPP subject alternative names of crt.
func FromCertificate(crt *x509.Certificate) (*Certificate, error) {
	srvNames, xmppAddrs, err := parseSANExtensions(crt.Extensions)
	return &Certificate{
		Certificate:   crt,
		SRVNames:      srvNames,
		XMPPAddresses: xmppAddrs,
	}, err
}

// ParseCertificate parses a single certificate from the given ASN.1 DER data.
func ParseCertificate(der []byte) (*Certificate, error) {
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return FromCertificate(crt)
}

// Domains returns every domain the certificate may be used for, lower cased
// and without SRV service labels.
func (c *Certificate) Domains() []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(d string) {
		d = strings.ToLower(strings.TrimSuffix(d, "."))
		if d == "" {
			return
		}
		if _, ok := seen[d]; ok {
			return
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	for _, d := range c.DNSNames {
		add(d)
	}
	for _, a := range c.XMPPAddresses {
		// Only bare domain addresses identify a server.
		if !strings.ContainsAny(a, "@/") {
			add(a)
		}
	}
	for _, s := range c.SRVNames {
		if i := strings.IndexByte(s, '.'); i > 0 && strings.HasPrefix(s, "_xmpp-") {
			add(s[i+1:])
		}
	}
	if len(out) == 0 {
		add(c.Subject.CommonName)
	}
	return out
}

// VerifyDomain reports whether the certificate identifies domain.
// A leading "*." in a DNS name matches exactly one label.
func (c *Certificate) VerifyDomain(domain string) error {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	for _, d := range c.Domains() {
		if d == domain {
			return nil
		}
		if strings.HasPrefix(d, "*.") {
			if i := strings.IndexByte(domain, '.'); i > 0 && domain[i+1:] == d[2:] {
				return nil
			}
		}
	}
	return ErrNoIdentity
}

type otherName struct {
	TypeID asn1.ObjectIdentifier
	Value  asn1.RawValue `asn1:"explicit,tag:0"`
}

func parseSANExtensions(extensions []pkix.Extension) (srvNames, xmppAddrs []string, err error) {
	for _, ext := range extensions {
		if !ext.Id.Equal(oidExtensionSubjectAltName) {
			continue
		}
		s, x, err := parseSANExtension(ext.Value)
		if err != nil {
			return srvNames, xmppAddrs, err
		}
		srvNames = append(srvNames, s...)
		xmppAddrs = append(xmppAddrs, x...)
	}
	return srvNames, xmppAddrs, nil
}

// parseSANExtension walks the GeneralNames sequence of RFC 5280 §4.2.1.6 and
// keeps the otherName entries we know about.
func parseSANExtension(value []byte) (srvNames, xmppAddrs []string, err error) {
	var seq asn1.RawValue
	rest, err := asn1.Unmarshal(value, &seq)
	switch {
	case err != nil:
		return nil, nil, err
	case len(rest) != 0:
		return nil, nil, errors.New("x509: trailing data after X.509 extension")
	case !seq.IsCompound || seq.Tag != asn1.TagSequence || seq.Class != asn1.ClassUniversal:
		return nil, nil, asn1.StructuralError{Msg: "bad SAN sequence"}
	}

	rest = seq.Bytes
	for len(rest) > 0 {
		var v asn1.RawValue
		rest, err = asn1.Unmarshal(rest, &v)
		if err != nil {
			return srvNames, xmppAddrs, err
		}
		if v.Class != asn1.ClassContextSpecific || v.Tag != 0 {
			continue
		}
		var on otherName
		// The [0] IMPLICIT tag replaces the SEQUENCE tag of the otherName.
		full := append([]byte{0x30}, v.FullBytes[1:]...)
		if _, err := asn1.Unmarshal(full, &on); err != nil {
			return srvNames, xmppAddrs, err
		}
		var s string
		switch {
		case on.TypeID.Equal(oidXMPPAddr):
			if _, err := asn1.Unmarshal(on.Value.Bytes, &s); err != nil {
				return srvNames, xmppAddrs, err
			}
			xmppAddrs = append(xmppAddrs, s)
		case on.TypeID.Equal(oidDNSSRV):
			if _, err := asn1.Unmarshal(on.Value.Bytes, &s); err != nil {
				return srvNames, xmppAddrs, err
			}
			srvNames = append(srvNames, s)
		}
	}
	return srvNames, xmppAddrs, nil
}
