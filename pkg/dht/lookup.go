package dht

import (
	"context"

	"github.com/busybox42/kadnode/pkg/metrics"
	"github.com/busybox42/kadnode/pkg/protocol"
	"github.com/busybox42/kadnode/pkg/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// mergeCandidates adds found to existing, skipping duplicates, ids in skip
// and entries without a usable address, then keeps the k closest to target.
func mergeCandidates(existing, found []types.NodeInfo, target types.NodeID, k int, skip map[types.NodeID]struct{}) []types.NodeInfo {
	seen := make(map[types.NodeID]struct{}, len(existing)+len(found))
	merged := make([]types.NodeInfo, 0, len(existing)+len(found))
	for _, c := range existing {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		merged = append(merged, c)
	}
	for _, c := range found {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		if _, skipped := skip[c.ID]; skipped {
			continue
		}
		if !c.ValidAddress() {
			continue
		}
		seen[c.ID] = struct{}{}
		merged = append(merged, c)
	}
	types.SortByDistance(merged, target)
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged
}

// lookup is the iterative node lookup. The frontier starts at the local
// table's closest peers; each round queries every candidate not yet queried,
// at most Alpha at a time, and merges their answers. It stops once a round
// brings nothing closer than the best candidate it started with, or when
// nothing is left to query. Peers that fail are evicted from the table and
// peers that answer are refreshed in it. Ids in exclude are never queried
// nor returned.
func (n *Node) lookup(ctx context.Context, target types.NodeID, depth uint8, exclude ...types.NodeID) []types.NodeInfo {
	skip := map[types.NodeID]struct{}{n.self.ID: {}}
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	candidates := mergeCandidates(nil, n.table.FindClosest(target), target, n.cfg.K, skip)
	queried := make(map[types.NodeID]struct{})
	rounds := 0

	for ctx.Err() == nil {
		var batch []types.NodeInfo
		for _, c := range candidates {
			if _, done := queried[c.ID]; !done {
				batch = append(batch, c)
			}
		}
		if len(batch) == 0 {
			break
		}
		rounds++
		best := candidates[0].ID

		replies := make([][]types.NodeInfo, len(batch))
		failed := make([]bool, len(batch))
		var g errgroup.Group
		g.SetLimit(n.cfg.Alpha)
		for i, peer := range batch {
			queried[peer.ID] = struct{}{}
			g.Go(func() error {
				resp, err := n.rpc.FindNode(ctx, peer, target, depth)
				if err != nil {
					failed[i] = true
					return nil
				}
				replies[i] = protocol.FromWire(resp.Nodes)
				return nil
			})
		}
		g.Wait()

		dead := make(map[types.NodeID]struct{})
		var found []types.NodeInfo
		for i, peer := range batch {
			if failed[i] {
				dead[peer.ID] = struct{}{}
				if ctx.Err() == nil {
					n.evict(peer, "unresponsive")
				}
				continue
			}
			n.table.AddNode(peer)
			found = append(found, replies[i]...)
		}

		alive := candidates[:0:0]
		for _, c := range candidates {
			if _, gone := dead[c.ID]; !gone {
				alive = append(alive, c)
			}
		}
		for id := range dead {
			skip[id] = struct{}{}
		}
		candidates = mergeCandidates(alive, found, target, n.cfg.K, skip)

		if len(candidates) == 0 || types.CompareDistance(target, candidates[0].ID, best) >= 0 {
			break
		}
	}

	metrics.LookupRounds.Observe(float64(rounds))
	n.log.WithFields(logrus.Fields{
		"target": target.Short(),
		"rounds": rounds,
		"found":  len(candidates),
	}).Debug("Lookup finished")
	return candidates
}
