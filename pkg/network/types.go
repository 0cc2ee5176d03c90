package network

import (
	"context"
	"net"
	"time"

	"github.com/busybox42/kadnode/pkg/config"
	"github.com/busybox42/kadnode/pkg/protocol"
)

// Handler serves a decoded request. Errors of type *protocol.Error are sent
// back to the caller as is; anything else is reported as internal.
type Handler interface {
	Handle(ctx context.Context, req protocol.Request) (any, error)
}

// Dialer opens outbound connections. *net.Dialer, *tls.Dialer and the Tor
// SOCKS5 dialer all satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Config struct {
	// Timeout bounds one request/response exchange.
	Timeout     time.Duration
	MaxAttempts int

	// MaxRequestsPerSecond limits inbound requests across all connections.
	// Zero means unlimited.
	MaxRequestsPerSecond int
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		Timeout:              cfg.TimeoutTimer,
		MaxAttempts:          cfg.TimeoutMaxAttempts,
		MaxRequestsPerSecond: cfg.MaxRequestsPerSecond,
	}
}
