package dht

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/busybox42/kadnode/pkg/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// randomInterval picks a duration uniformly in [lower, upper].
func randomInterval(lower, upper time.Duration) time.Duration {
	if upper <= lower {
		return lower
	}
	return lower + time.Duration(rand.Int64N(int64(upper-lower)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunRefresh repeats the bootstrap handshake with a random known peer at
// random intervals until ctx is cancelled.
func (n *Node) RunRefresh(ctx context.Context) error {
	for {
		if err := sleep(ctx, randomInterval(n.cfg.RefreshTimerLower, n.cfg.RefreshTimerUpper)); err != nil {
			return err
		}
		n.Refresh(ctx)
	}
}

// Refresh runs one refresh step. A peer that fails the handshake is evicted.
func (n *Node) Refresh(ctx context.Context) {
	peer, ok := n.table.RandomNode()
	if !ok {
		return
	}
	_, err := n.ping(ctx, peer)
	if err == nil {
		_, err = n.join(ctx, peer)
	}
	if err != nil && ctx.Err() == nil {
		n.evict(peer, "unresponsive")
		n.log.WithError(err).WithField("peer", peer.String()).Info("Refresh failed")
	}
}

// RunLiveness pings a random sample of peers at random intervals until ctx
// is cancelled.
func (n *Node) RunLiveness(ctx context.Context) error {
	for {
		if err := sleep(ctx, randomInterval(n.cfg.PingTimerLower, n.cfg.PingTimerUpper)); err != nil {
			return err
		}
		n.SweepLiveness(ctx)
	}
}

// SweepLiveness pings PingSampleSize random peers and evicts those that do
// not answer within the retry budget. It returns how many were evicted.
func (n *Node) SweepLiveness(ctx context.Context) int {
	sample := n.table.RandomNodes(n.cfg.PingSampleSize)
	dead := make([]bool, len(sample))

	var g errgroup.Group
	for i, peer := range sample {
		g.Go(func() error {
			if _, err := n.rpc.Ping(ctx, peer); err != nil {
				dead[i] = true
			}
			return nil
		})
	}
	g.Wait()

	evicted := 0
	for i, peer := range sample {
		if dead[i] && ctx.Err() == nil {
			n.evict(peer, "unresponsive")
			evicted++
		}
	}
	if evicted > 0 {
		n.log.WithFields(logrus.Fields{
			"sampled": len(sample),
			"evicted": evicted,
		}).Info("Liveness sweep evicted peers")
	}
	return evicted
}

// RunExpiry drops expired values every ExpireInterval.
func (n *Node) RunExpiry(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.ExpireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.storage.ExpireKeys()
		}
	}
}

// RunRepublish re-announces every key this node originated through Put.
func (n *Node) RunRepublish(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.RepublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.Republish(ctx)
		}
	}
}

// Republish refreshes the local copy and replicates each originated key.
func (n *Node) Republish(ctx context.Context) {
	n.mu.Lock()
	keys := make(map[string][]byte, len(n.originated))
	for k, v := range n.originated {
		keys[k] = v
	}
	n.mu.Unlock()

	for k, v := range keys {
		key := []byte(k)
		n.storeMu.Lock()
		err := n.storage.StoreExpire(key, v, n.expiration())
		n.storeMu.Unlock()
		if err != nil {
			n.log.WithError(err).Warn("Failed to refresh originated value")
			continue
		}
		stored := n.announce(ctx, key, v)
		n.log.WithFields(logrus.Fields{
			"key":    types.KeyToID(key).Short(),
			"stored": stored,
		}).Debug("Republished value")
	}
}
