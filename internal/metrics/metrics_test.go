// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package metrics_test

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"mellium.im/xmppd/internal/metrics"
)

func TestObserveStream(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	require.NoError(t, m.ObserveStream("c2s", func() error {
		require.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues("c2s")))
		return nil
	}))
	errBoom := errors.New("boom")
	require.ErrorIs(t, m.ObserveStream("c2s", func() error { return errBoom }), errBoom)

	require.Equal(t, 0.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues("c2s")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.StreamsTotal.WithLabelValues("c2s", "closed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.StreamsTotal.WithLabelValues("c2s", "error")))
}

func TestCounters(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	m.Stanza("message")
	m.Stanza("message")
	m.StanzaError("item-not-found")
	m.Handshake(nil)
	m.Handshake(errors.New("bad record"))
	m.Delivered(3)

	require.Equal(t, 2.0, testutil.ToFloat64(m.StanzasTotal.WithLabelValues("message")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.StanzaErrors.WithLabelValues("item-not-found")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.TLSHandshakes.WithLabelValues("error")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.OfflineDelivered))
}

func TestNil(t *testing.T) {
	var m *metrics.Metrics
	m.Stanza("iq")
	m.StreamError("host-unknown")
	m.AuthFailure("s2s")
	called := false
	require.NoError(t, m.ObserveStream("c2s", func() error {
		called = true
		return nil
	}))
	require.True(t, called)
}
