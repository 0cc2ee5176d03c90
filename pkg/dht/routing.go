package dht

import (
	"math/rand/v2"
	"sync"

	"github.com/busybox42/kadnode/pkg/metrics"
	"github.com/busybox42/kadnode/pkg/types"
)

type RoutingConfig struct {
	K                   int
	NBits               int
	MaxNodesPerIP       int
	ReputationThreshold int
}

// Bucket is a FIFO of peers, least recently seen first.
type Bucket struct {
	nodes []types.NodeInfo
}

func (b *Bucket) indexOf(id types.NodeID) int {
	for i, n := range b.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (b *Bucket) remove(i int) types.NodeInfo {
	n := b.nodes[i]
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	return n
}

// RoutingTable holds known peers in NBits distance buckets. One lock guards
// buckets, per-IP counts and the banned set, and it is never held across
// network calls.
type RoutingTable struct {
	mu      sync.RWMutex
	self    types.NodeID
	cfg     RoutingConfig
	buckets []*Bucket
	perIP   map[string]int
	banned  map[types.NodeID]struct{}
	size    int
}

func NewRoutingTable(self types.NodeID, cfg RoutingConfig) *RoutingTable {
	rt := &RoutingTable{
		self:    self,
		cfg:     cfg,
		buckets: make([]*Bucket, cfg.NBits),
		perIP:   make(map[string]int),
		banned:  make(map[types.NodeID]struct{}),
	}
	for i := range rt.buckets {
		rt.buckets[i] = &Bucket{}
	}
	return rt
}

func (rt *RoutingTable) Self() types.NodeID {
	return rt.self
}

// BucketIndex is the leading zero bit count of id XOR self, modulo NBits.
func (rt *RoutingTable) BucketIndex(id types.NodeID) int {
	return id.Xor(rt.self).LeadingZeros() % rt.cfg.NBits
}

// AddNode inserts node or, if it is already present, moves it to the tail of
// its bucket and keeps the address it was stored with. It returns false when
// the node was refused: it is self, it is banned, or its IP already holds
// MaxNodesPerIP entries. A full bucket evicts its front entry.
func (rt *RoutingTable) AddNode(node types.NodeInfo) bool {
	return rt.add(node, false)
}

// UpdateNode is AddNode for a peer that has just authenticated itself: a
// known entry also takes the address the peer now reports.
func (rt *RoutingTable) UpdateNode(node types.NodeInfo) bool {
	return rt.add(node, true)
}

func (rt *RoutingTable) add(node types.NodeInfo, trusted bool) bool {
	if node.ID == rt.self {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, banned := rt.banned[node.ID]; banned {
		return false
	}

	b := rt.buckets[rt.BucketIndex(node.ID)]
	if i := b.indexOf(node.ID); i >= 0 {
		existing := b.remove(i)
		if trusted && node.Address != "" && node.Address != existing.Address {
			newHost := node.Host()
			if rt.perIP[newHost] < rt.cfg.MaxNodesPerIP {
				rt.releaseIP(existing.Host())
				rt.perIP[newHost]++
				existing.Address = node.Address
			}
		}
		b.nodes = append(b.nodes, existing)
		return true
	}

	host := node.Host()
	if rt.perIP[host] >= rt.cfg.MaxNodesPerIP {
		return false
	}

	if len(b.nodes) >= rt.cfg.K {
		evicted := b.remove(0)
		rt.releaseIP(evicted.Host())
		rt.size--
		metrics.EvictionsTotal.WithLabelValues("bucket_full").Inc()
	}

	node.Reputation = 0
	b.nodes = append(b.nodes, node)
	rt.perIP[host]++
	rt.size++
	metrics.RoutingTablePeers.Set(float64(rt.size))
	return true
}

func (rt *RoutingTable) releaseIP(host string) {
	rt.perIP[host]--
	if rt.perIP[host] <= 0 {
		delete(rt.perIP, host)
	}
}

// removeLocked drops id from its bucket. Callers hold rt.mu.
func (rt *RoutingTable) removeLocked(id types.NodeID) bool {
	b := rt.buckets[rt.BucketIndex(id)]
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	n := b.remove(i)
	rt.releaseIP(n.Host())
	rt.size--
	metrics.RoutingTablePeers.Set(float64(rt.size))
	return true
}

// RemoveNode removes id if present.
func (rt *RoutingTable) RemoveNode(id types.NodeID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.removeLocked(id)
}

// AdjustReputation adds delta to the peer's reputation. A peer that drops
// below the threshold is removed and banned for the life of the table. It
// reports the new reputation and whether the peer was banned; unknown peers
// are left alone.
func (rt *RoutingTable) AdjustReputation(id types.NodeID, delta int) (int, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[rt.BucketIndex(id)]
	i := b.indexOf(id)
	if i < 0 {
		return 0, false
	}
	b.nodes[i].Reputation += delta
	rep := b.nodes[i].Reputation
	if rep < rt.cfg.ReputationThreshold {
		rt.removeLocked(id)
		rt.banned[id] = struct{}{}
		metrics.BansTotal.Inc()
		return rep, true
	}
	return rep, false
}

func (rt *RoutingTable) IsBanned(id types.NodeID) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	_, banned := rt.banned[id]
	return banned
}

// FindClosest returns up to K peers ordered by XOR distance to target.
// Buckets are visited outward from the target's bucket, lower index first,
// until K candidates are collected.
func (rt *RoutingTable) FindClosest(target types.NodeID) []types.NodeInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	k := rt.cfg.K
	start := rt.BucketIndex(target)
	candidates := append([]types.NodeInfo(nil), rt.buckets[start].nodes...)
	for d := 1; len(candidates) < k && (start-d >= 0 || start+d < len(rt.buckets)); d++ {
		if lo := start - d; lo >= 0 {
			candidates = append(candidates, rt.buckets[lo].nodes...)
		}
		if hi := start + d; hi < len(rt.buckets) && len(candidates) < k {
			candidates = append(candidates, rt.buckets[hi].nodes...)
		}
	}

	types.SortByDistance(candidates, target)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// RandomNode returns a uniformly chosen peer.
func (rt *RoutingTable) RandomNode() (types.NodeInfo, bool) {
	nodes := rt.RandomNodes(1)
	if len(nodes) == 0 {
		return types.NodeInfo{}, false
	}
	return nodes[0], true
}

// RandomNodes returns up to n distinct peers chosen uniformly.
func (rt *RoutingTable) RandomNodes(n int) []types.NodeInfo {
	all := rt.GetAllNodes()
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func (rt *RoutingTable) Contains(id types.NodeID) bool {
	_, ok := rt.GetNode(id)
	return ok
}

func (rt *RoutingTable) GetNode(id types.NodeID) (types.NodeInfo, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	b := rt.buckets[rt.BucketIndex(id)]
	if i := b.indexOf(id); i >= 0 {
		return b.nodes[i], true
	}
	return types.NodeInfo{}, false
}

// GetAllNodes returns a copy of every peer, bucket by bucket.
func (rt *RoutingTable) GetAllNodes() []types.NodeInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	all := make([]types.NodeInfo, 0, rt.size)
	for _, b := range rt.buckets {
		all = append(all, b.nodes...)
	}
	return all
}

// BucketNodes returns a copy of bucket i in FIFO order.
func (rt *RoutingTable) BucketNodes(i int) []types.NodeInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return append([]types.NodeInfo(nil), rt.buckets[i].nodes...)
}

func (rt *RoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.size
}
