// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stream contains XMPP stream headers and stream errors as defined by
// RFC 6120 §4.
package stream // import "mellium.im/xmppd/stream"
