// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package config_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mellium.im/xmppd/config"
)

func TestDefault(t *testing.T) {
	c := config.Default()
	require.NoError(t, c.Validate())
	require.Equal(t, ":5222", c.ClientAddr())
	require.Equal(t, ":5269", c.ServerAddr())

	ps, err := c.PubSubJID()
	require.NoError(t, err)
	require.Equal(t, "pubsub.localhost", ps.String())
}

func TestFamily(t *testing.T) {
	for i, tc := range [...]struct {
		family  config.Family
		network string
	}{
		0: {family: config.IPv4, network: "tcp4"},
		1: {family: config.IPv6, network: "tcp6"},
		2: {family: config.None, network: "tcp"},
	} {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			require.Equal(t, tc.network, tc.family.Network())
		})
	}
}

func write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	c := config.Default()
	err := c.LoadFile(write(t, "xmppd.yaml", `
host: example.net
client_port: 15222
family: IPV4
connection_timeout: 90s
shutdown_timeout: 30
database_in_memory: true
pubsub_max_items: 3
`))
	require.NoError(t, err)
	require.Equal(t, "example.net", c.Host)
	require.Equal(t, 15222, c.ClientPort)
	require.Equal(t, 5269, c.ServerPort, "options missing from the file keep their value")
	require.Equal(t, config.IPv4, c.Family)
	require.Equal(t, 90*time.Second, c.ConnectionTimeout.Duration())
	require.Equal(t, 30*time.Second, c.ShutdownTimeout.Duration(), "integer timeouts are seconds")
	require.True(t, c.DatabaseInMemory)
	require.Equal(t, 3, c.PubSubMaxItems)
	require.NoError(t, c.Validate())
}

func TestLoadJSON(t *testing.T) {
	c := config.Default()
	err := c.LoadFile(write(t, "xmppd.json", `{"host": "example.org", "message_persistence": true, "tls13": true, "connection_timeout": 120}`))
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, c.ConnectionTimeout.Duration())
	require.Equal(t, "example.org", c.Host)
	require.True(t, c.MessagePersistence)
	require.True(t, c.TLS13)
}

func TestLoadFileErrors(t *testing.T) {
	c := config.Default()
	require.Error(t, c.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
	require.Error(t, c.LoadFile(write(t, "unknown.yaml", "hostname: example.net\n")))
	require.Error(t, c.LoadFile(write(t, "bad.yaml", "client_port: many\n")))
	require.Error(t, c.LoadFile(write(t, "timeout.yaml", "connection_timeout: soon\n")))
	require.Error(t, c.LoadFile(write(t, "timeout-list.yaml", "connection_timeout: [1, 2]\n")))

	empty := config.Default()
	require.NoError(t, empty.LoadFile(write(t, "empty.yaml", "")))
	require.Equal(t, config.Default(), empty)
}

func TestParseSeconds(t *testing.T) {
	for i, tc := range [...]struct {
		in  string
		out time.Duration
		err bool
	}{
		0: {in: "60", out: time.Minute},
		1: {in: "0", out: 0},
		2: {in: "90s", out: 90 * time.Second},
		3: {in: "1m30s", out: 90 * time.Second},
		4: {in: "-5", out: -5 * time.Second},
		5: {in: "soon", err: true},
		6: {in: "", err: true},
		7: {in: "1.5", err: true},
	} {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			s, err := config.ParseSeconds(tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.out, s.Duration())
		})
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("XMPPD_HOST", "env.example")
	t.Setenv("XMPPD_SERVER_PORT", "15269")
	t.Setenv("XMPPD_CONNECTION_TIMEOUT", "5s")
	t.Setenv("XMPPD_SHUTDOWN_TIMEOUT", "45")
	t.Setenv("XMPPD_PUBSUB_MAX_ITEMS", "7")
	t.Cleanup(func() { os.Unsetenv("XMPPD_UPLOAD_SECRET") })

	envFile := write(t, ".env", "XMPPD_UPLOAD_SECRET=hunter2\nXMPPD_PUBSUB_MAX_ITEMS=1\n")
	c := config.Default()
	require.NoError(t, c.LoadEnv(envFile))
	require.Equal(t, "env.example", c.Host)
	require.Equal(t, 15269, c.ServerPort)
	require.Equal(t, 5*time.Second, c.ConnectionTimeout.Duration())
	require.Equal(t, 45*time.Second, c.ShutdownTimeout.Duration())
	require.Equal(t, "hunter2", c.UploadSecret)
	require.Equal(t, 7, c.PubSubMaxItems, "variables already set take precedence over the env file")

	require.Error(t, c.LoadEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestValidate(t *testing.T) {
	for i, tc := range [...]struct {
		mutate func(*config.Config)
		msg    string
	}{
		0:  {mutate: func(c *config.Config) { c.Host = "" }, msg: "invalid host"},
		1:  {mutate: func(c *config.Config) { c.ClientPort = 0 }, msg: "client_port 0 out of range"},
		2:  {mutate: func(c *config.Config) { c.ServerPort = 70000 }, msg: "server_port 70000 out of range"},
		3:  {mutate: func(c *config.Config) { c.ServerPort = c.ClientPort }, msg: "are both"},
		4:  {mutate: func(c *config.Config) { c.Family = "IPV5" }, msg: "unknown family"},
		5:  {mutate: func(c *config.Config) { c.ConnectionTimeout = config.Seconds(-time.Second) }, msg: "negative connection_timeout"},
		6:  {mutate: func(c *config.Config) { c.DatabasePath = "" }, msg: "database_path is required"},
		7:  {mutate: func(c *config.Config) { c.LogLevel = "loud" }, msg: "invalid log_level"},
		8:  {mutate: func(c *config.Config) { c.UploadURL = "ftp://files.example"; c.UploadSecret = "x" }, msg: "absolute http or https URL"},
		9:  {mutate: func(c *config.Config) { c.UploadURL = "https://files.example" }, msg: "upload_secret is required"},
		10: {mutate: func(c *config.Config) { c.PubSubMaxItems = -1 }, msg: "negative pubsub_max_items"},
		11: {mutate: func(c *config.Config) { c.CertPath = "" }, msg: "cert_path is required"},
	} {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			c := config.Default()
			tc.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.msg)
		})
	}

	c := config.Default()
	c.DatabasePath = ""
	c.DatabaseInMemory = true
	c.UploadURL = "https://files.example/upload"
	c.UploadSecret = "secret"
	require.NoError(t, c.Validate())
}
