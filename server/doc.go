// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package server runs an XMPP server.
//
// A Server accepts client streams and streams from peer servers, opens streams
// to peer servers when stanzas need to leave the local domain, and drives each
// stream through negotiation before handing its stanzas to a router.
// Every connection is served by its own goroutine which processes stanzas in
// the order they arrive.
package server // import "mellium.im/xmppd/server"
