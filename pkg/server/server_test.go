package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/busybox42/kadnode/pkg/config"
	"github.com/busybox42/kadnode/pkg/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Difficulty = 4
	cfg.DataDir = t.TempDir()
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	srv, err := New(context.Background(), cfg, "127.0.0.1:0", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Shutdown() })
	return srv
}

// runServer serves srv in the background until the test ends.
func runServer(t *testing.T, srv *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
}

func TestNewServer(t *testing.T) {
	srv := newTestServer(t, testConfig(t))

	require.NotNil(t, srv.Node())
	assert.True(t, crypto.MeetsDifficulty(srv.identity.ID, 4))
	host, port, err := net.SplitHostPort(srv.Address())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.NotEqual(t, "0", port, "the picked port is advertised")
	assert.Nil(t, srv.APIAddr())
}

func TestNewServerRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.K = 0
	_, err := New(context.Background(), cfg, "127.0.0.1:0", quietLogger())
	assert.Error(t, err)
}

func TestIdentityPersistence(t *testing.T) {
	cfg := testConfig(t)

	first, err := New(context.Background(), cfg, "127.0.0.1:0", quietLogger())
	require.NoError(t, err)
	id := first.identity.ID
	require.NoError(t, first.Shutdown())
	assert.FileExists(t, filepath.Join(cfg.DataDir, identityFile))

	second := newTestServer(t, cfg)
	assert.Equal(t, id, second.identity.ID, "identity survives a restart")

	_, err = loadIdentity(filepath.Join(cfg.DataDir, identityFile), id.LeadingZeros()+1)
	assert.ErrorIs(t, err, crypto.ErrInsufficientWork, "a stricter difficulty refuses the stored key")
}

func TestCorruptIdentityIsReplaced(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.DataDir, identityFile)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))

	srv := newTestServer(t, cfg)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte(srv.identity.Keys.PrivateKey), data)
}

func TestPogrebStorageSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.StorageBackend = config.StoragePogreb

	first, err := New(context.Background(), cfg, "127.0.0.1:0", quietLogger())
	require.NoError(t, err)
	_, err = first.Node().Put(context.Background(), []byte("k"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, first.Shutdown())

	second := newTestServer(t, cfg)
	value, ok := second.Node().LocalValue([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}

func TestServersJoinAndShareValues(t *testing.T) {
	ctx := context.Background()
	a := newTestServer(t, testConfig(t))
	b := newTestServer(t, testConfig(t))
	runServer(t, a)
	runServer(t, b)

	require.NoError(t, b.Bootstrap(ctx, a.Address()))
	assert.True(t, a.Node().Table().Contains(b.Node().ID()))

	_, err := b.Node().Put(ctx, []byte("key"), []byte("value"))
	require.NoError(t, err)
	value, ok := a.Node().LocalValue([]byte("key"))
	require.True(t, ok)
	assert.Equal(t, []byte("value"), value)
}

func TestAPIIsServed(t *testing.T) {
	cfg := testConfig(t)
	cfg.APIAddress = "127.0.0.1:0"
	srv := newTestServer(t, cfg)
	runServer(t, srv)

	require.NotNil(t, srv.APIAddr())
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.APIAddr().String() + "/status")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
}

func TestShutdownReleasesListener(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	addr := srv.Address()
	require.NoError(t, srv.Shutdown())
	require.NoError(t, srv.Shutdown(), "shutdown twice is harmless")

	conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	if err == nil {
		conn.Close()
		t.Error("server still accepting connections after shutdown")
	}
}

func TestAdvertisedAddress(t *testing.T) {
	actual := &net.TCPAddr{IP: net.IPv4zero, Port: 40123}
	tests := []struct {
		bind     string
		want     string
		loopback bool
	}{
		{bind: "10.0.0.5:4000", want: "10.0.0.5:4000"},
		{bind: "127.0.0.1:0", want: "127.0.0.1:40123"},
		{bind: ":0", want: "127.0.0.1:40123", loopback: true},
		{bind: "0.0.0.0:4000", want: "127.0.0.1:4000", loopback: true},
		{bind: "[::]:4000", want: "127.0.0.1:4000", loopback: true},
		{bind: "[::]:0", want: "127.0.0.1:40123", loopback: true},
	}
	for _, tt := range tests {
		t.Run(tt.bind, func(t *testing.T) {
			got, loopback := advertisedAddress(tt.bind, actual)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.loopback, loopback)
		})
	}
}

func TestAdvertiseAddressOverride(t *testing.T) {
	cfg := testConfig(t)
	cfg.AdvertiseAddress = "203.0.113.7:4000"
	srv, err := New(context.Background(), cfg, "0.0.0.0:0", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Shutdown() })

	assert.Equal(t, "203.0.113.7:4000", srv.Address())
	assert.Equal(t, "203.0.113.7:4000", srv.Node().Self().Address)
}
