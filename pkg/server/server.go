package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/busybox42/kadnode/internal/store"
	"github.com/busybox42/kadnode/pkg/api"
	"github.com/busybox42/kadnode/pkg/config"
	"github.com/busybox42/kadnode/pkg/crypto"
	"github.com/busybox42/kadnode/pkg/dht"
	"github.com/busybox42/kadnode/pkg/network"
	"github.com/busybox42/kadnode/pkg/tor"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	identityFile = "identity.key"
	valuesFile   = "values.db"

	shutdownTimeout = 5 * time.Second
)

// Server is a running node: identity, storage, listener, outbound client,
// maintenance loops and the optional API.
type Server struct {
	cfg      config.Config
	log      logrus.FieldLogger
	identity *crypto.Identity
	storage  store.Store
	address  string

	listener  net.Listener
	transport *network.Transport
	client    *network.Client
	node      *dht.Node
	tor       *tor.Manager

	api         *api.Server
	apiListener net.Listener
}

// New prepares a node that will serve on bind. Nothing is served until Run.
func New(ctx context.Context, cfg config.Config, bind string, logger logrus.FieldLogger) (*Server, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	srv := &Server{cfg: cfg, log: logger}

	if err := srv.initializeKeys(ctx); err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("failed to initialize keys: %w", err)
	}
	if err := srv.initializeStorage(); err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := srv.initializeNetwork(ctx, bind); err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("failed to initialize network: %w", err)
	}
	if err := srv.initializeAPI(); err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("failed to initialize api: %w", err)
	}

	srv.log.WithFields(logrus.Fields{
		"id":      srv.identity.ID.String(),
		"address": srv.address,
		"storage": cfg.StorageBackend,
	}).Info("Node initialized")
	return srv, nil
}

// initializeKeys loads DataDir/identity.key when it still meets the
// difficulty, and otherwise mints a new identity and saves it.
func (srv *Server) initializeKeys(ctx context.Context) error {
	path := ""
	if srv.cfg.DataDir != "" {
		if err := os.MkdirAll(srv.cfg.DataDir, 0o700); err != nil {
			return err
		}
		path = filepath.Join(srv.cfg.DataDir, identityFile)
		if id, err := loadIdentity(path, srv.cfg.Difficulty); err == nil {
			srv.log.WithField("id", id.ID.String()).Info("Loaded existing identity")
			srv.identity = id
			return nil
		} else if !errors.Is(err, os.ErrNotExist) {
			srv.log.WithError(err).Warn("Stored identity is unusable, generating a new one")
		}
	}

	id, err := crypto.GenerateIdentity(ctx, srv.cfg.Difficulty, srv.cfg.LogInterval, srv.log)
	if err != nil {
		return err
	}
	if path != "" {
		if err := os.WriteFile(path, id.Keys.PrivateKey, 0o600); err != nil {
			return fmt.Errorf("failed to save identity: %w", err)
		}
	}
	srv.identity = id
	return nil
}

func loadIdentity(path string, difficulty int) (*crypto.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return crypto.IdentityFromPrivateKey(data, difficulty)
}

func (srv *Server) initializeStorage() error {
	switch srv.cfg.StorageBackend {
	case config.StoragePogreb:
		s, err := store.NewPogrebStore(filepath.Join(srv.cfg.DataDir, valuesFile))
		if err != nil {
			return err
		}
		srv.storage = s
	default:
		srv.storage = store.NewMemoryStore()
	}
	return nil
}

// initializeNetwork opens the listener (plain, TLS or onion), then builds
// the client and node around the address peers will use.
func (srv *Server) initializeNetwork(ctx context.Context, bind string) error {
	var dialer network.Dialer
	if srv.cfg.Tor {
		_, port, err := net.SplitHostPort(bind)
		if err != nil {
			return fmt.Errorf("bad bind address %q: %w", bind, err)
		}
		remotePort, err := strconv.Atoi(port)
		if err != nil || remotePort == 0 {
			return fmt.Errorf("tor needs a fixed port, got %q", port)
		}
		srv.tor, err = tor.Start(ctx, remotePort, srv.cfg.DataDir, srv.log)
		if err != nil {
			return err
		}
		if dialer, err = srv.tor.Dialer(); err != nil {
			return err
		}
		srv.listener = srv.tor.Listener()
		srv.address = srv.tor.Address()
	} else {
		d, tlsConfig, err := network.DialerFor(srv.cfg)
		if err != nil {
			return err
		}
		dialer = d
		if srv.listener, err = network.Listen(bind, tlsConfig); err != nil {
			return err
		}
		srv.address = srv.cfg.AdvertiseAddress
		if srv.address == "" {
			var loopback bool
			srv.address, loopback = advertisedAddress(bind, srv.listener.Addr())
			if loopback {
				srv.log.WithField("address", srv.address).
					Warn("Bind address has no dialable host; advertising loopback, set advertise_address for remote peers")
			}
		}
	}

	netCfg := network.ConfigFrom(srv.cfg)
	srv.client = network.NewClient(srv.identity, srv.address, dialer, netCfg, srv.log)
	srv.node = dht.NewNode(srv.cfg, srv.identity, srv.address, srv.storage, srv.client, srv.log)
	srv.transport = network.NewTransport(srv.node.Handler(), netCfg, srv.log)
	return nil
}

// advertisedAddress keeps the host the operator bound to and fills in the
// port the kernel picked when bind asked for port 0. Peers cannot dial an
// empty or unspecified host (0.0.0.0, ::), so loopback replaces it and the
// second result reports that.
func advertisedAddress(bind string, actual net.Addr) (string, bool) {
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return actual.String(), false
	}
	if tcp, ok := actual.(*net.TCPAddr); ok && (port == "0" || port == "") {
		port = strconv.Itoa(tcp.Port)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		return net.JoinHostPort("127.0.0.1", port), true
	}
	return net.JoinHostPort(host, port), false
}

func (srv *Server) initializeAPI() error {
	if srv.cfg.APIAddress == "" {
		return nil
	}
	l, err := net.Listen("tcp", srv.cfg.APIAddress)
	if err != nil {
		return err
	}
	srv.apiListener = l
	srv.api = api.New(srv.node, srv.log)
	return nil
}

func (srv *Server) Node() *dht.Node         { return srv.node }
func (srv *Server) Address() string         { return srv.address }
func (srv *Server) Client() *network.Client { return srv.client }

// APIAddr is the bound API address, or nil when the API is off.
func (srv *Server) APIAddr() net.Addr {
	if srv.apiListener == nil {
		return nil
	}
	return srv.apiListener.Addr()
}

// Bootstrap joins the network through the peer at address.
func (srv *Server) Bootstrap(ctx context.Context, address string) error {
	if err := srv.node.Bootstrap(ctx, address); err != nil {
		return err
	}
	srv.log.WithFields(logrus.Fields{
		"bootstrap": address,
		"peers":     srv.node.Table().Len(),
	}).Info("Joined network")
	return nil
}

// Run serves peers and the API and runs maintenance until ctx is cancelled,
// then shuts everything down.
func (srv *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.transport.Serve(srv.listener) })
	g.Go(func() error { return srv.node.Run(gctx) })
	if srv.api != nil {
		g.Go(func() error { return srv.api.Serve(srv.apiListener) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown stops serving and releases storage and Tor. It is safe to call
// more than once.
func (srv *Server) Shutdown() error {
	var errs []error
	if srv.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = append(errs, srv.api.Shutdown(ctx))
		cancel()
	}
	if srv.apiListener != nil {
		srv.apiListener.Close()
	}
	if srv.transport != nil {
		errs = append(errs, srv.transport.Close())
	}
	if srv.listener != nil && srv.tor == nil {
		srv.listener.Close()
	}
	if srv.node != nil {
		srv.node.Close()
	}
	if srv.tor != nil {
		if err := srv.tor.Close(); err != nil {
			srv.log.WithError(err).Warn("Error stopping Tor")
		}
		srv.tor = nil
	}
	if srv.storage != nil {
		errs = append(errs, srv.storage.Close())
		srv.storage = nil
	}
	return errors.Join(errs...)
}
