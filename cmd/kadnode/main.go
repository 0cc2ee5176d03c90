package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/busybox42/kadnode/pkg/config"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

const usage = `Usage:
  kadnode [flags] server <bind-address> [bootstrap-address]
  kadnode [flags] client <target-address> <ping|store|find_node|find_value>

Flags:
`

func initLogger(level string, out io.Writer) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(out)
	log.SetLevel(lvl)
	return nil
}

type options struct {
	configFile string
	dataDir    string
	api        string
	advertise  string
	storage    string
	tlsCA      string
	tlsCert    string
	tlsKey     string
	tor        bool
	logLevel   string
}

func parseFlags(args []string, stderr io.Writer) (*options, []string, error) {
	opts := &options{}
	fs := flag.NewFlagSet("kadnode", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.configFile, "config", "", "YAML configuration file")
	fs.StringVar(&opts.dataDir, "data-dir", "", "directory for the identity and persistent values")
	fs.StringVar(&opts.api, "api", "", "address for the HTTP status API (disabled when empty)")
	fs.StringVar(&opts.advertise, "advertise", "", "host:port peers should dial (defaults to the bind address)")
	fs.StringVar(&opts.storage, "storage", "", "value storage backend: memory or pogreb")
	fs.StringVar(&opts.tlsCA, "tls-ca", "", "CA certificate shared by all nodes")
	fs.StringVar(&opts.tlsCert, "tls-cert", "", "this node's TLS certificate")
	fs.StringVar(&opts.tlsKey, "tls-key", "", "this node's TLS private key")
	fs.BoolVar(&opts.tor, "tor", false, "serve and dial through an embedded Tor")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return opts, fs.Args(), nil
}

// loadConfig layers defaults, the config file, KADNODE_* variables and
// finally command line flags.
func loadConfig(opts *options) (config.Config, error) {
	cfg := config.Default()
	if opts.configFile != "" {
		var err error
		if cfg, err = config.Load(opts.configFile); err != nil {
			return cfg, err
		}
	}
	cfg, err := cfg.ApplyEnvOverrides()
	if err != nil {
		return cfg, err
	}

	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if opts.api != "" {
		cfg.APIAddress = opts.api
	}
	if opts.advertise != "" {
		cfg.AdvertiseAddress = opts.advertise
	}
	if opts.storage != "" {
		cfg.StorageBackend = opts.storage
	}
	if opts.tlsCA != "" {
		cfg.TLS.CAFile = opts.tlsCA
	}
	if opts.tlsCert != "" {
		cfg.TLS.CertFile = opts.tlsCert
	}
	if opts.tlsKey != "" {
		cfg.TLS.KeyFile = opts.tlsKey
	}
	if opts.tor {
		cfg.Tor = true
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	return cfg, cfg.Validate()
}

// run executes one invocation and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, rest, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if len(rest) < 2 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "invalid configuration: %v\n", err)
		return 1
	}
	if err := initLogger(cfg.LogLevel, stderr); err != nil {
		fmt.Fprintf(stderr, "invalid log level: %v\n", err)
		return 1
	}

	switch rest[0] {
	case "server":
		if len(rest) > 3 {
			fmt.Fprint(stderr, usage)
			return 2
		}
		bootstrap := ""
		if len(rest) == 3 {
			bootstrap = rest[2]
		}
		err = runServer(ctx, cfg, rest[1], bootstrap)
	case "client":
		if len(rest) != 3 {
			fmt.Fprint(stderr, usage)
			return 2
		}
		err = runClient(ctx, cfg, rest[1], rest[2], stdin, stdout)
	default:
		fmt.Fprintf(stderr, "unknown mode %q\n", rest[0])
		fmt.Fprint(stderr, usage)
		return 2
	}

	if err != nil {
		log.WithError(err).Error("kadnode failed")
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
