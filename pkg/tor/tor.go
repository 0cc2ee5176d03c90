package tor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cretz/bine/tor"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

const (
	startAttempts    = 3
	socksWaitTimeout = 30 * time.Second
	publishTimeout   = 3 * time.Minute
)

// Manager runs an embedded Tor process that publishes the node as a v3
// hidden service and dials peers through its SOCKS5 proxy.
type Manager struct {
	instance  *tor.Tor
	service   *tor.OnionService
	listener  *onceCloseListener
	socksPort int
	dataDir   string
	log       logrus.FieldLogger
}

// Start launches Tor and publishes a hidden service that forwards
// remotePort on the onion address to a local listener. A remotePort of 0
// starts Tor for outbound dialing only. Tor state lives under dataDir/tor,
// or in a temporary directory when dataDir is empty.
func Start(ctx context.Context, remotePort int, dataDir string, logger logrus.FieldLogger) (*Manager, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "tor")

	var m *Manager
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		m, err = start(ctx, remotePort, dataDir, log)
		if err != nil {
			log.WithError(err).WithField("attempt", attempt).Warn("Failed to start Tor")
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), startAttempts-1), ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to start Tor after %d attempts: %w", attempt, err)
	}
	return m, nil
}

func start(ctx context.Context, remotePort int, dataDir string, log logrus.FieldLogger) (*Manager, error) {
	socksPort, err := freePort()
	if err != nil {
		return nil, err
	}
	dir, err := torDataDir(dataDir)
	if err != nil {
		return nil, err
	}

	log.WithField("socks_port", socksPort).Info("Starting embedded Tor")
	t, err := tor.Start(ctx, &tor.StartConf{
		DataDir:   dir,
		ExtraArgs: []string{"--SocksPort", strconv.Itoa(socksPort)},
	})
	if err != nil {
		cleanup(dataDir, dir)
		return nil, fmt.Errorf("failed to launch tor: %w", err)
	}
	m := &Manager{instance: t, socksPort: socksPort, log: log}
	if dataDir == "" {
		m.dataDir = dir
	}

	if err := t.EnableNetwork(ctx, true); err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to enable tor network: %w", err)
	}
	if !waitForSocks5Proxy(ctx, m.socksAddress(), socksWaitTimeout) {
		m.Close()
		return nil, fmt.Errorf("socks5 proxy did not come up on %s", m.socksAddress())
	}

	if remotePort == 0 {
		return m, nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	m.service, err = t.Listen(pubCtx, &tor.ListenConf{
		RemotePorts: []int{remotePort},
		Version3:    true,
	})
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to publish hidden service: %w", err)
	}
	m.listener = &onceCloseListener{Listener: m.service}
	log.WithField("address", m.Address()).Info("Hidden service published")
	return m, nil
}

func torDataDir(dataDir string) (string, error) {
	if dataDir == "" {
		dir, err := os.MkdirTemp("", "kadnode-tor-*")
		if err != nil {
			return "", fmt.Errorf("failed to create tor data directory: %w", err)
		}
		return dir, nil
	}
	dir := filepath.Join(dataDir, "tor")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create tor data directory: %w", err)
	}
	return dir, nil
}

// cleanup removes dir only when it was a temporary one.
func cleanup(dataDir, dir string) {
	if dataDir == "" {
		os.RemoveAll(dir)
	}
}

// onceCloseListener lets both the transport and the manager close the
// hidden service.
type onceCloseListener struct {
	net.Listener
	once sync.Once
	err  error
}

func (l *onceCloseListener) Close() error {
	l.once.Do(func() { l.err = l.Listener.Close() })
	return l.err
}

// Listener accepts connections arriving at the hidden service. It is nil
// when no service was published.
func (m *Manager) Listener() net.Listener {
	if m.listener == nil {
		return nil
	}
	return m.listener
}

// Address is the onion host and port peers should dial, or empty when no
// service was published.
func (m *Manager) Address() string {
	if m.service == nil {
		return ""
	}
	return onionAddress(m.service.ID, m.service.RemotePorts[0])
}

func onionAddress(serviceID string, port int) string {
	return net.JoinHostPort(serviceID+".onion", strconv.Itoa(port))
}

func (m *Manager) socksAddress() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(m.socksPort))
}

// Dialer returns a dialer that reaches peers through the Tor SOCKS5 proxy.
func (m *Manager) Dialer() (proxy.ContextDialer, error) {
	return socksDialer(m.socksAddress())
}

func socksDialer(address string) (proxy.ContextDialer, error) {
	d, err := proxy.SOCKS5("tcp", address, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("SOCKS5 dialer does not support contexts")
	}
	return cd, nil
}

// Close removes the hidden service and stops Tor.
func (m *Manager) Close() error {
	var errs []error
	if m.listener != nil {
		errs = append(errs, m.listener.Close())
	}
	if m.instance != nil {
		errs = append(errs, m.instance.Close())
	}
	if m.dataDir != "" {
		errs = append(errs, os.RemoveAll(m.dataDir))
	}
	m.log.Info("Tor stopped")
	return errors.Join(errs...)
}

// freePort picks a random high port that is currently free.
func freePort() (int, error) {
	for i := 0; i < 10; i++ {
		port := 49152 + rand.IntN(16383)
		if isPortAvailable(port) {
			return port, nil
		}
	}
	return 0, errors.New("no free port for the socks proxy")
}

func isPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// waitForSocks5Proxy polls address until it accepts connections.
func waitForSocks5Proxy(ctx context.Context, address string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		conn, err := net.DialTimeout("tcp", address, time.Second)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false
}
