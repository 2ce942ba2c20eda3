// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package transport_test

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/xmpptest"
	"mellium.im/xmppd/transport"
)

func TestSendElement(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	tr := transport.New(a, 0)

	errc := make(chan error, 1)
	go func() {
		errc <- tr.SendElement(element.New("urn:xmpp:ping", "ping"))
	}()
	buf := make([]byte, 512)
	n, err := b.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	const want = `<ping xmlns="urn:xmpp:ping"></ping>`
	if got := string(buf[:n]); got != want {
		t.Errorf("unexpected output: want=%q, got=%q", want, got)
	}
}

func TestConcurrentWrites(t *testing.T) {
	a, b := net.Pipe()
	tr := transport.New(a, 0)
	const writers = 10
	payload := "<presence/>"

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tr.WriteString(payload); err != nil {
				t.Error(err)
			}
		}()
	}
	go func() {
		wg.Wait()
		tr.Close()
	}()

	out, err := io.ReadAll(b)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(out); got != strings.Repeat(payload, writers) {
		t.Errorf("writes were interleaved: %q", got)
	}
}

func TestClose(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	tr := transport.New(a, 0)
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if err := tr.WriteString("<presence/>"); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestIdleTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	tr := transport.New(a, 20*time.Millisecond)
	_, err := tr.Read(make([]byte, 1))
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Errorf("expected timeout, got %v", err)
	}
}

func TestWriteTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	tr := transport.New(a, 20*time.Millisecond)
	err := tr.WriteString("<presence/>")
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Errorf("expected timeout writing to a peer that never reads, got %v", err)
	}
}

func TestCloseInterruptsWrite(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	tr := transport.New(a, 0)
	errs := make(chan error, 1)
	go func() {
		errs <- tr.WriteString("<presence/>")
	}()
	time.Sleep(10 * time.Millisecond)
	if err := tr.Close(); err != nil {
		t.Fatalf("error closing: %v", err)
	}
	select {
	case err := <-errs:
		if err == nil {
			t.Error("expected blocked write to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close did not interrupt a blocked write")
	}
}

// loopback returns both ends of a TCP connection.
func loopback(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	client, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server, err := l.Accept()
	if err != nil {
		client.Close()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func TestUpgrade(t *testing.T) {
	cert, leaf := xmpptest.Certificate("example.net")
	a, b := loopback(t)
	tr := transport.New(a, 5*time.Second)
	if tr.Secure() {
		t.Fatal("plain transport reported as secure")
	}

	errc := make(chan error, 1)
	go func() {
		c := tls.Client(b, &tls.Config{
			ServerName: "example.net",
			RootCAs:    xmpptest.Pool(leaf),
		})
		if err := c.Handshake(); err != nil {
			errc <- err
			return
		}
		_, err := c.Write([]byte("<iq/>"))
		errc <- err
	}()

	up, err := tr.Upgrade(context.Background(), &tls.Config{Certificates: []tls.Certificate{cert}}, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !up.Secure() {
		t.Error("upgraded transport not reported as secure")
	}
	state, ok := up.ConnectionState()
	if !ok || !state.HandshakeComplete {
		t.Errorf("unexpected connection state: %v, %+v", ok, state)
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := io.ReadAtLeast(up, buf, len("<iq/>"))
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:n]); got != "<iq/>" {
		t.Errorf("unexpected data: %q", got)
	}
}
