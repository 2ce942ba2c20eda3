// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The xmppd command runs an XMPP server.
package main // import "mellium.im/xmppd/cmd/xmppd"

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mellium.im/xmppd/config"
)

func main() {
	root := newRootCmd(run)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type runFunc func(ctx context.Context, cfg config.Config, logger *zap.Logger) error

func newRootCmd(runner runFunc) *cobra.Command {
	var (
		cfg        = config.Default()
		configFile string
		envFile    string
	)
	c := cobra.Command{
		Use:           "xmppd",
		Short:         "An XMPP server for clients and peer servers",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.LoadEnv(envFile); err != nil {
				return err
			}
			if configFile != "" {
				if err := cfg.LoadFile(configFile); err != nil {
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runner(ctx, cfg, logger)
		},
	}

	f := c.Flags()
	f.StringVar(&cfg.Host, "host", cfg.Host, "domain served by the server")
	f.IntVar(&cfg.ClientPort, "client-port", cfg.ClientPort, "port for client connections")
	f.IntVar(&cfg.ServerPort, "server-port", cfg.ServerPort, "port for server connections")
	f.StringVar((*string)(&cfg.Family), "family", string(cfg.Family), "address family of the listeners (IPV4, IPV6 or NONE)")
	f.Var(&cfg.ConnectionTimeout, "connection-timeout", "close streams idle for this many seconds")
	f.Var(&cfg.ShutdownTimeout, "shutdown-timeout", "seconds given to streams to close on shutdown")
	f.StringVar(&cfg.DatabasePath, "database-path", cfg.DatabasePath, "SQLite file or postgres:// URL")
	f.BoolVar(&cfg.DatabaseInMemory, "database-in-memory", cfg.DatabaseInMemory, "keep all data in memory")
	f.BoolVar(&cfg.DatabasePurge, "database-purge", cfg.DatabasePurge, "drop all data on start")
	f.BoolVar(&cfg.MessagePersistence, "message-persistence", cfg.MessagePersistence, "store messages for offline accounts in the database")
	f.StringVar(&cfg.CertPath, "cert-path", cfg.CertPath, "directory holding the CA and host certificates")
	f.BoolVar(&cfg.TLS13, "tls13", cfg.TLS13, "allow TLS 1.3")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "minimum level of log messages")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	f.StringVar(&cfg.UploadURL, "upload-url", cfg.UploadURL, "base URL of the HTTP upload service")
	f.Uint64Var(&cfg.UploadMaxSize, "upload-max-size", cfg.UploadMaxSize, "largest file in bytes for which upload slots are issued")
	f.StringVar(&cfg.UploadSecret, "upload-secret", cfg.UploadSecret, "key shared with the upload service to sign slots")
	f.StringVar(&cfg.PubSubDomain, "pubsub-domain", cfg.PubSubDomain, "address of the publish-subscribe service (default pubsub.<host>)")
	f.IntVar(&cfg.PubSubMaxItems, "pubsub-max-items", cfg.PubSubMaxItems, "items kept by new publish-subscribe nodes, 0 for no limit")
	f.StringVar(&configFile, "config-file", "", "YAML or JSON file overriding all other options")
	f.StringVar(&envFile, "env-file", "", "file of XMPPD_ environment variables")
	return &c
}

// newLogger returns a production logger, or a development logger when
// logging at debug level.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if lvl.Level() <= zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	return cfg.Build()
}
