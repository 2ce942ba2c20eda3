// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"mellium.im/xmppd/auth"
	"mellium.im/xmppd/config"
	"mellium.im/xmppd/disco"
	"mellium.im/xmppd/internal/metrics"
	"mellium.im/xmppd/ping"
	"mellium.im/xmppd/pubsub"
	"mellium.im/xmppd/roster"
	"mellium.im/xmppd/rpc"
	"mellium.im/xmppd/server"
	"mellium.im/xmppd/starttls"
	"mellium.im/xmppd/storage"
	"mellium.im/xmppd/upload"
)

// run wires the server together and serves until ctx is canceled.
func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	host, err := cfg.Domain()
	if err != nil {
		return err
	}
	pubsubJID, err := cfg.PubSubJID()
	if err != nil {
		return err
	}

	store, err := storage.Open(ctx, storage.Options{
		Path:     cfg.DatabasePath,
		InMemory: cfg.DatabaseInMemory,
		Purge:    cfg.DatabasePurge,
		Logger:   logger.Named("storage"),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	tlsConfig, err := starttls.Load(cfg.CertPath, host.String(), []string{pubsubJID.String()}, cfg.TLS13, logger.Named("tls"))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts := []server.Option{
		server.ClientAddr(cfg.ClientAddr()),
		server.ServerAddr(cfg.ServerAddr()),
		server.Network(cfg.Family.Network()),
		server.IdleTimeout(cfg.ConnectionTimeout.Duration()),
		server.ShutdownTimeout(cfg.ShutdownTimeout.Duration()),
		server.Logger(logger),
		server.Metrics(metrics.New(reg)),
	}
	if cfg.MetricsAddr != "" {
		opts = append(opts, server.MetricsAddr(cfg.MetricsAddr, reg))
	}

	authn := auth.New(store, host.String(), auth.WithLogger(logger.Named("auth")))
	srv := server.New(server.Config{
		Host:     host,
		Services: []string{pubsubJID.String()},
		Store:    store,
		Auth:     authn,
		TLS:      tlsConfig,
		Persist:  cfg.MessagePersistence,
	}, opts...)
	router := srv.Router()

	ps, err := pubsub.New(ctx, pubsub.Config{
		JID:      pubsubJID,
		Host:     host,
		Store:    store,
		Sender:   router,
		MaxItems: cfg.PubSubMaxItems,
		Logger:   logger.Named("pubsub"),
	})
	if err != nil {
		return err
	}
	router.Register(
		authn,
		roster.New(store, router, roster.WithLogger(logger.Named("roster")), roster.OnRemove(router.Presence().Removed)),
		ping.New(host),
		ps,
		rpc.Handler{},
		disco.New(host, router.Mux(), store, ps),
	)
	if cfg.UploadURL != "" {
		issuer, err := upload.NewIssuer(cfg.UploadURL, []byte(cfg.UploadSecret), cfg.UploadMaxSize)
		if err != nil {
			return err
		}
		router.Register(upload.NewHandler(issuer))
	}

	logger.Info("starting server",
		zap.String("host", host.String()),
		zap.String("pubsub", pubsubJID.String()),
		zap.String("client_addr", cfg.ClientAddr()),
		zap.String("server_addr", cfg.ServerAddr()),
		zap.String("network", cfg.Family.Network()),
	)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
