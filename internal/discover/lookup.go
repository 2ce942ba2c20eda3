// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package discover is used to look up the addresses of XMPP services.
package discover // import "mellium.im/xmppd/internal/discover"

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// Errors returned by this package.
var (
	ErrInvalidService = errors.New("service must be one of xmpp[s]-client or xmpp[s]-server")
	ErrNoServers      = errors.New("discover: no DNS servers configured")
)

// FallbackRecords returns fake SRV records based on the service that can be
// used if no actual SRV records can be found but we believe that an XMPP
// service exists at the given domain.
func FallbackRecords(service, domain string) []*net.SRV {
	switch service {
	case "xmpp-client":
		return []*net.SRV{{Target: domain, Port: 5222}}
	case "xmpps-client":
		return []*net.SRV{{Target: domain, Port: 5223}}
	case "xmpp-server":
		return []*net.SRV{{Target: domain, Port: 5269}}
	case "xmpps-server":
		return []*net.SRV{{Target: domain, Port: 5270}}
	}
	return nil
}

// Resolver looks up SRV records using the configured name servers.
type Resolver struct {
	conf   *dns.ClientConfig
	client *dns.Client
}

// NewResolver returns a resolver that queries the servers in conf.
func NewResolver(conf *dns.ClientConfig) *Resolver {
	return &Resolver{conf: conf, client: new(dns.Client)}
}

// DefaultResolver returns a resolver using the name servers from
// /etc/resolv.conf.
func DefaultResolver() (*Resolver, error) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	if len(conf.Servers) == 0 {
		return nil, ErrNoServers
	}
	return NewResolver(conf), nil
}

// LookupService looks for an XMPP service hosted by domain.
// It returns addresses from SRV records ordered by priority and weight and if
// none are found returns the fallback record for the service.
// If the target of the only record is "." the service is decidedly not
// available and an empty list is returned.
// Service should be one of "xmpp[s]-client" or "xmpp[s]-server".
func (r *Resolver) LookupService(ctx context.Context, service, domain string) ([]*net.SRV, error) {
	switch service {
	case "xmpp-client", "xmpp-server", "xmpps-client", "xmpps-server":
	default:
		return nil, ErrInvalidService
	}
	if len(r.conf.Servers) == 0 {
		return nil, ErrNoServers
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("_"+service+"._tcp."+domain), dns.TypeSRV)
	m.RecursionDesired = true

	var (
		res *dns.Msg
		err error
	)
	for _, server := range r.conf.Servers {
		res, _, err = r.client.ExchangeContext(ctx, m, net.JoinHostPort(server, r.conf.Port))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	if res.Rcode != dns.RcodeSuccess && res.Rcode != dns.RcodeNameError {
		return nil, errors.New("discover: lookup failed with " + dns.RcodeToString[res.Rcode])
	}

	var addrs []*net.SRV
	for _, rr := range res.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		addrs = append(addrs, &net.SRV{
			Target:   srv.Target,
			Port:     srv.Port,
			Priority: srv.Priority,
			Weight:   srv.Weight,
		})
	}
	if len(addrs) == 0 {
		return FallbackRecords(service, domain), nil
	}

	// RFC 6120 §3.2.1
	//    If the result of the SRV lookup is a single resource record with a
	//    Target of ".", the initiating entity MUST abort SRV processing.
	if len(addrs) == 1 && addrs[0].Target == "." {
		return nil, nil
	}
	sort.SliceStable(addrs, func(i, j int) bool {
		if addrs[i].Priority != addrs[j].Priority {
			return addrs[i].Priority < addrs[j].Priority
		}
		return addrs[i].Weight > addrs[j].Weight
	})
	for _, a := range addrs {
		a.Target = strings.TrimSuffix(a.Target, ".")
	}
	return addrs, nil
}
