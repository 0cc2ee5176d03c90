package main

import (
	"context"
	"fmt"

	"github.com/busybox42/kadnode/pkg/config"
	"github.com/busybox42/kadnode/pkg/server"
	"github.com/sirupsen/logrus"
)

func runServer(ctx context.Context, cfg config.Config, bind, bootstrap string) error {
	log.WithFields(logrus.Fields{
		"bind": bind,
		"tor":  cfg.Tor,
		"tls":  cfg.TLS.Enabled(),
	}).Info("Starting kadnode server")

	srv, err := server.New(ctx, cfg, bind, log)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	if bootstrap != "" {
		if err := srv.Bootstrap(ctx, bootstrap); err != nil {
			srv.Shutdown()
			return fmt.Errorf("failed to bootstrap through %s: %w", bootstrap, err)
		}
	}

	log.WithField("address", srv.Address()).Info("kadnode server is running")
	return srv.Run(ctx)
}
