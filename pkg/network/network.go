package network

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/busybox42/kadnode/pkg/config"
)

// NewTCPDialer returns a plain TCP dialer.
func NewTCPDialer() *net.Dialer {
	return &net.Dialer{Timeout: connTimeout}
}

// NewTLSDialer returns a dialer that performs the mutual TLS handshake with
// tlsConfig before handing the connection over.
func NewTLSDialer(tlsConfig *tls.Config) *tls.Dialer {
	return &tls.Dialer{NetDialer: NewTCPDialer(), Config: tlsConfig}
}

// Listen opens the inbound TCP listener on bind, wrapped in TLS when
// tlsConfig is not nil.
func Listen(bind string, tlsConfig *tls.Config) (net.Listener, error) {
	l, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", bind, err)
	}
	if tlsConfig != nil {
		l = tls.NewListener(l, tlsConfig)
	}
	return l, nil
}

// DialerFor picks the dialer matching cfg. Tor dialers are built by the tor
// package and passed in directly.
func DialerFor(cfg config.Config) (Dialer, *tls.Config, error) {
	if !cfg.TLS.Enabled() {
		return NewTCPDialer(), nil, nil
	}
	tlsConfig, err := LoadTLSConfig(cfg.TLS)
	if err != nil {
		return nil, nil, err
	}
	return NewTLSDialer(tlsConfig), tlsConfig, nil
}
