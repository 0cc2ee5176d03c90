package dht

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomInterval(t *testing.T) {
	lower, upper := 5*time.Second, 20*time.Second
	for i := 0; i < 1000; i++ {
		d := randomInterval(lower, upper)
		require.GreaterOrEqual(t, d, lower)
		require.LessOrEqual(t, d, upper)
	}
	assert.Equal(t, lower, randomInterval(lower, lower))
}

func TestSweepLivenessEvictsDeadPeers(t *testing.T) {
	net := newSimNetwork()
	cfg := testConfig()
	cfg.PingSampleSize = 10
	a, _ := net.addNode(t, cfg)
	alive, _ := net.addNode(t, cfg)
	dead, _ := net.addNode(t, cfg)
	link(a, alive)
	link(a, dead)
	net.setDown(dead.self.Address, true)

	evicted := a.SweepLiveness(context.Background())
	assert.Equal(t, 1, evicted)
	assert.True(t, a.table.Contains(alive.ID()))
	assert.False(t, a.table.Contains(dead.ID()))
}

func TestSweepLivenessSamplesAtMostN(t *testing.T) {
	net := newSimNetwork()
	cfg := testConfig()
	cfg.PingSampleSize = 2
	a, rpcA := net.addNode(t, cfg)
	for i := 0; i < 5; i++ {
		p, _ := net.addNode(t, cfg)
		link(a, p)
	}

	a.SweepLiveness(context.Background())
	assert.EqualValues(t, 2, rpcA.pings.Load())
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("learns peers from a random known peer", func(t *testing.T) {
		net := newSimNetwork()
		a, _ := net.addNode(t, testConfig())
		b, _ := net.addNode(t, testConfig())
		c, _ := net.addNode(t, testConfig())
		link(a, b)
		link(b, c)

		a.Refresh(ctx)
		assert.True(t, a.table.Contains(c.ID()))
	})

	t.Run("evicts a peer that fails the handshake", func(t *testing.T) {
		net := newSimNetwork()
		a, _ := net.addNode(t, testConfig())
		b, _ := net.addNode(t, testConfig())
		link(a, b)
		net.setDown(b.self.Address, true)

		a.Refresh(ctx)
		assert.False(t, a.table.Contains(b.ID()))
	})

	t.Run("empty table is a no-op", func(t *testing.T) {
		net := newSimNetwork()
		a, rpcA := net.addNode(t, testConfig())
		a.Refresh(ctx)
		assert.Zero(t, rpcA.pings.Load())
	})
}

func TestRunStopsOnCancel(t *testing.T) {
	net := newSimNetwork()
	cfg := testConfig()
	cfg.RefreshTimerLower = 10 * time.Millisecond
	cfg.RefreshTimerUpper = 20 * time.Millisecond
	cfg.PingTimerLower = 10 * time.Millisecond
	cfg.PingTimerUpper = 20 * time.Millisecond
	cfg.ExpireInterval = 10 * time.Millisecond
	cfg.RepublishInterval = 10 * time.Millisecond
	a, rpcA := net.addNode(t, cfg)
	b, _ := net.addNode(t, cfg)
	link(a, b)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return rpcA.pings.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("maintenance loops did not stop")
	}
}

func TestRepublishResendsOriginatedKeys(t *testing.T) {
	net := newSimNetwork()
	ctx := context.Background()
	a, rpcA := net.addNode(t, testConfig())
	b, _ := net.addNode(t, testConfig())
	link(a, b)

	_, err := a.Put(ctx, []byte("k"), []byte("v"))
	require.NoError(t, err)
	before := rpcA.stores.Load()

	a.Republish(ctx)
	assert.Greater(t, rpcA.stores.Load(), before)

	value, ok := b.LocalValue([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}

func TestExpiredValuesAreDropped(t *testing.T) {
	net := newSimNetwork()
	cfg := testConfig()
	cfg.StoreTTL = 30 * time.Millisecond
	a, _ := net.addNode(t, cfg)

	_, err := a.Put(context.Background(), []byte("k"), []byte("v"))
	require.NoError(t, err)
	_, ok := a.LocalValue([]byte("k"))
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	a.storage.ExpireKeys()
	_, ok = a.LocalValue([]byte("k"))
	assert.False(t, ok)
}
