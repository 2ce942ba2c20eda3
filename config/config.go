// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package config holds the options of the server.
//
// Options start out with the values returned by Default, may be overridden by
// environment variables prefixed with XMPPD_, for example XMPPD_HOST or
// XMPPD_CLIENT_PORT, and finally by a YAML or JSON file, which overrides
// every other source. Timeouts are given in seconds.
package config // import "mellium.im/xmppd/config"

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"mellium.im/xmppd/jid"
)

// EnvPrefix is the prefix of environment variables read by LoadEnv.
const EnvPrefix = "XMPPD_"

// Family selects the IP version of the listeners.
type Family string

// A list of address families.
const (
	IPv4 Family = "IPV4"
	IPv6 Family = "IPV6"
	None Family = "NONE"
)

// Network returns the network passed to net.Listen for f.
func (f Family) Network() string {
	switch f {
	case IPv4:
		return "tcp4"
	case IPv6:
		return "tcp6"
	}
	return "tcp"
}

// Config is the configuration of the server.
type Config struct {
	Host              string  `yaml:"host" env:"HOST"`
	ClientPort        int     `yaml:"client_port" env:"CLIENT_PORT"`
	ServerPort        int     `yaml:"server_port" env:"SERVER_PORT"`
	Family            Family  `yaml:"family" env:"FAMILY"`
	ConnectionTimeout Seconds `yaml:"connection_timeout" env:"CONNECTION_TIMEOUT"`
	ShutdownTimeout   Seconds `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	DatabasePath     string `yaml:"database_path" env:"DATABASE_PATH"`
	DatabaseInMemory bool   `yaml:"database_in_memory" env:"DATABASE_IN_MEMORY"`
	DatabasePurge    bool   `yaml:"database_purge" env:"DATABASE_PURGE"`

	// MessagePersistence stores messages for offline accounts in the database
	// instead of memory.
	MessagePersistence bool `yaml:"message_persistence" env:"MESSAGE_PERSISTENCE"`

	CertPath string `yaml:"cert_path" env:"CERT_PATH"`
	TLS13    bool   `yaml:"tls13" env:"TLS13"`

	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL"`
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`

	UploadURL     string `yaml:"upload_url" env:"UPLOAD_URL"`
	UploadMaxSize uint64 `yaml:"upload_max_size" env:"UPLOAD_MAX_SIZE"`
	UploadSecret  string `yaml:"upload_secret" env:"UPLOAD_SECRET"`

	PubSubDomain   string `yaml:"pubsub_domain" env:"PUBSUB_DOMAIN"`
	PubSubMaxItems int    `yaml:"pubsub_max_items" env:"PUBSUB_MAX_ITEMS"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Host:              "localhost",
		ClientPort:        5222,
		ServerPort:        5269,
		Family:            None,
		ConnectionTimeout: Seconds(60 * time.Second),
		ShutdownTimeout:   Seconds(10 * time.Second),
		DatabasePath:      "xmppd.db",
		CertPath:          "certs",
		LogLevel:          "info",
		UploadMaxSize:     10 << 20,
		PubSubMaxItems:    10,
	}
}

// LoadFile overrides c with the options in the YAML or JSON file name.
// Unknown options are an error.
func (c *Config) LoadFile(name string) error {
	b, err := os.ReadFile(name)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return c.decode(bytes.NewReader(b), name)
}

func (c *Config) decode(r io.Reader, name string) error {
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: error decoding %s: %w", name, err)
	}
	return nil
}

// LoadEnv overrides c with XMPPD_ environment variables.
// If envFile is not empty the variables it defines are loaded first, without
// replacing variables that are already set.
func (c *Config) LoadEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("config: error loading %s: %w", envFile, err)
		}
	}
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Domain returns the host as a JID.
func (c Config) Domain() (jid.JID, error) {
	return jid.Domain(c.Host)
}

// PubSubJID returns the address of the publish-subscribe service,
// "pubsub.<host>" unless configured otherwise.
func (c Config) PubSubJID() (jid.JID, error) {
	if c.PubSubDomain != "" {
		return jid.Domain(c.PubSubDomain)
	}
	return jid.Domain("pubsub." + c.Host)
}

// ClientAddr returns the listen address for client streams.
func (c Config) ClientAddr() string {
	return net.JoinHostPort("", strconv.Itoa(c.ClientPort))
}

// ServerAddr returns the listen address for server streams.
func (c Config) ServerAddr() string {
	return net.JoinHostPort("", strconv.Itoa(c.ServerPort))
}

// Validate reports every invalid option.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.Domain(); err != nil || c.Host == "" {
		errs = append(errs, fmt.Errorf("invalid host %q", c.Host))
	}
	if _, err := c.PubSubJID(); err != nil {
		errs = append(errs, fmt.Errorf("invalid pubsub domain %q", c.PubSubDomain))
	}
	for name, port := range map[string]int{"client_port": c.ClientPort, "server_port": c.ServerPort} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, port))
		}
	}
	if c.ClientPort == c.ServerPort {
		errs = append(errs, fmt.Errorf("client_port and server_port are both %d", c.ClientPort))
	}
	switch c.Family {
	case IPv4, IPv6, None:
	default:
		errs = append(errs, fmt.Errorf("unknown family %q, expected %s, %s or %s", c.Family, IPv4, IPv6, None))
	}
	if c.ConnectionTimeout < 0 {
		errs = append(errs, fmt.Errorf("negative connection_timeout %s", c.ConnectionTimeout))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("negative shutdown_timeout %s", c.ShutdownTimeout))
	}
	if !c.DatabaseInMemory && c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required unless database_in_memory is set"))
	}
	if c.CertPath == "" {
		errs = append(errs, errors.New("cert_path is required"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log_level: %w", err))
	}
	if c.UploadURL != "" {
		u, err := url.Parse(c.UploadURL)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("upload_url %q must be an absolute http or https URL", c.UploadURL))
		}
		if c.UploadSecret == "" {
			errs = append(errs, errors.New("upload_secret is required when upload_url is set"))
		}
		if c.UploadMaxSize == 0 {
			errs = append(errs, errors.New("upload_max_size must be positive"))
		}
	}
	if c.PubSubMaxItems < 0 {
		errs = append(errs, fmt.Errorf("negative pubsub_max_items %d", c.PubSubMaxItems))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
