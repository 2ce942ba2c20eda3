// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package upload hands out slots for sending files by uploading them to an
// HTTP server.
//
// Slots are signed with a shared secret so that the HTTP server accepting the
// uploads can check them without talking to the XMPP server.
package upload // import "mellium.im/xmppd/upload"
