package dht

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/busybox42/kadnode/pkg/config"
	"github.com/busybox42/kadnode/pkg/crypto"
	"github.com/busybox42/kadnode/pkg/metrics"
	"github.com/busybox42/kadnode/pkg/protocol"
	"github.com/busybox42/kadnode/pkg/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	ErrNoPeers  = errors.New("no known peers")
	ErrNotFound = errors.New("value not found")
)

// Storage interface for the DHT
type Storage interface {
	StoreExpire(key []byte, data []byte, expiration time.Time) error
	Retrieve(key []byte) ([]byte, bool)
	ExpireKeys()
}

// Node ties the identity, routing table, storage and outbound RPC together.
// It serves inbound requests through Handler and runs the maintenance loops
// from Run.
type Node struct {
	cfg       config.Config
	identity  *crypto.Identity
	self      types.NodeInfo
	table     *RoutingTable
	storage   Storage
	rpc       RPC
	validator *crypto.Validator
	log       logrus.FieldLogger

	// ctx bounds background work such as store forwards.
	ctx      context.Context
	cancel   context.CancelFunc
	forwards *semaphore.Weighted
	pending  sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	originated map[string][]byte

	// storeMu makes the compare and write in storeLocal one step.
	storeMu sync.Mutex
}

// NewNode builds a node listening on address. The caller is responsible for
// feeding inbound requests to Handler().
func NewNode(cfg config.Config, identity *crypto.Identity, address string, storage Storage, rpc RPC, logger logrus.FieldLogger) *Node {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:      cfg,
		identity: identity,
		self:     types.NewNodeInfo(identity.ID, address),
		table: NewRoutingTable(identity.ID, RoutingConfig{
			K:                   cfg.K,
			NBits:               cfg.NBits,
			MaxNodesPerIP:       cfg.MaxNodesPerIP,
			ReputationThreshold: cfg.ReputationThreshold,
		}),
		storage: storage,
		rpc:     rpc,
		validator: crypto.NewValidator(crypto.ValidatorConfig{
			ReplayWindow:  cfg.ReplayWindow,
			NonceInterval: cfg.NonceInterval,
			Difficulty:    cfg.Difficulty,
			VerifyNodeID:  cfg.VerifyNodeID,
		}),
		log:        logger.WithField("node", identity.ID.Short()),
		ctx:        ctx,
		cancel:     cancel,
		forwards:   semaphore.NewWeighted(int64(cfg.ForwardConcurrency)),
		originated: make(map[string][]byte),
	}
}

func (n *Node) ID() types.NodeID           { return n.identity.ID }
func (n *Node) Self() types.NodeInfo       { return n.self }
func (n *Node) Table() *RoutingTable       { return n.table }
func (n *Node) Handler() *RequestHandler   { return &RequestHandler{node: n} }
func (n *Node) Peers() []types.NodeInfo    { return n.table.GetAllNodes() }
func (n *Node) Config() config.Config      { return n.cfg }
func (n *Node) Identity() *crypto.Identity { return n.identity }

// LocalValue reads the local storage only.
func (n *Node) LocalValue(key []byte) ([]byte, bool) {
	return n.storage.Retrieve(key)
}

// Close stops background forwards and waits for them to drain.
func (n *Node) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.cancel()
	n.pending.Wait()
}

func (n *Node) expiration() time.Time {
	if n.cfg.StoreTTL <= 0 {
		return time.Time{}
	}
	return time.Now().Add(n.cfg.StoreTTL)
}

// storeLocal writes key locally. It reports false when the identical value
// is already present.
func (n *Node) storeLocal(key, value []byte) (bool, error) {
	n.storeMu.Lock()
	defer n.storeMu.Unlock()
	if existing, ok := n.storage.Retrieve(key); ok && bytes.Equal(existing, value) {
		return false, nil
	}
	if err := n.storage.StoreExpire(key, value, n.expiration()); err != nil {
		return false, fmt.Errorf("failed to store value: %w", err)
	}
	return true, nil
}

// forwardStore replicates key to the closest peers in the background. It
// does not wait for acknowledgements.
func (n *Node) forwardStore(key, value []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for _, peer := range n.table.FindClosest(types.KeyToID(key)) {
		if peer.ID == n.self.ID {
			continue
		}
		n.pending.Add(1)
		go func(peer types.NodeInfo) {
			defer n.pending.Done()
			if err := n.forwards.Acquire(n.ctx, 1); err != nil {
				return
			}
			defer n.forwards.Release(1)

			if _, err := n.rpc.Store(n.ctx, peer, key, value); err != nil {
				metrics.StoreForwardsTotal.WithLabelValues("error").Inc()
				n.log.WithError(err).WithField("peer", peer.String()).Debug("Store forward failed")
				return
			}
			metrics.StoreForwardsTotal.WithLabelValues("ok").Inc()
		}(peer)
	}
}

// Bootstrap pings the peer at address, adds it, then asks it for the peers
// around its own id and adds those too.
func (n *Node) Bootstrap(ctx context.Context, address string) error {
	peer, err := n.ping(ctx, types.NodeInfo{Address: address})
	if err != nil {
		return fmt.Errorf("failed to ping bootstrap peer %s: %w", address, err)
	}
	added, err := n.join(ctx, peer)
	if err != nil {
		return err
	}
	n.log.WithFields(logrus.Fields{
		"peer":    peer.ID.Short(),
		"learned": added,
	}).Info("Bootstrapped")
	return nil
}

// ping checks that peer answers and returns it with the id it answered
// with. A peer whose id is already known must answer with that id.
func (n *Node) ping(ctx context.Context, peer types.NodeInfo) (types.NodeInfo, error) {
	pong, err := n.rpc.Ping(ctx, peer)
	if err != nil {
		return peer, err
	}
	id, err := types.NodeIDFromBytes(pong.NodeID)
	if err != nil {
		return peer, fmt.Errorf("peer %s returned a bad id: %w", peer.Address, err)
	}
	if !peer.ID.IsZero() && id != peer.ID {
		return peer, fmt.Errorf("peer %s answered as %s, expected %s", peer.Address, id.Short(), peer.ID.Short())
	}
	peer.ID = id
	return peer, nil
}

// join adds peer and the peers it reports around its own id. It returns
// how many new peers were added. A peer that does not answer is removed.
func (n *Node) join(ctx context.Context, peer types.NodeInfo) (int, error) {
	n.table.AddNode(peer)

	resp, err := n.rpc.FindNode(ctx, peer, peer.ID, 0)
	if err != nil {
		n.table.RemoveNode(peer.ID)
		return 0, fmt.Errorf("failed to query peer %s: %w", peer.Address, err)
	}
	added := 0
	for _, p := range protocol.FromWire(resp.Nodes) {
		if p.ID == n.self.ID || !p.ValidAddress() {
			continue
		}
		if n.table.AddNode(p) {
			added++
		}
	}
	return added, nil
}

// Lookup runs an iterative lookup for target from this node.
func (n *Node) Lookup(ctx context.Context, target types.NodeID) ([]types.NodeInfo, error) {
	if n.table.Len() == 0 {
		return nil, ErrNoPeers
	}
	return n.lookup(ctx, target, uint8(n.cfg.MaxLookupDepth)), nil
}

// Put stores value locally and replicates it to the closest peers found by
// a lookup. The key is re-announced every RepublishInterval. It returns how
// many peers acknowledged the store.
func (n *Node) Put(ctx context.Context, key, value []byte) (int, error) {
	if len(key) == 0 {
		return 0, errors.New("empty key")
	}
	if _, err := n.storeLocal(key, value); err != nil {
		return 0, err
	}
	n.mu.Lock()
	n.originated[string(key)] = append([]byte(nil), value...)
	n.mu.Unlock()

	return n.announce(ctx, key, value), nil
}

func (n *Node) announce(ctx context.Context, key, value []byte) int {
	peers := n.table.FindClosest(types.KeyToID(key))
	if len(peers) > 0 {
		peers = n.lookup(ctx, types.KeyToID(key), uint8(n.cfg.MaxLookupDepth))
	}

	var mu sync.Mutex
	stored := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.cfg.ForwardConcurrency)
	for _, peer := range peers {
		g.Go(func() error {
			resp, err := n.rpc.Store(gctx, peer, key, value)
			if err != nil || !resp.Success {
				return nil
			}
			mu.Lock()
			stored++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return stored
}

// Get returns the value for key, from local storage or by walking FindValue
// replies toward the key.
func (n *Node) Get(ctx context.Context, key []byte) ([]byte, error) {
	if value, ok := n.storage.Retrieve(key); ok {
		return value, nil
	}

	target := types.KeyToID(key)
	candidates := n.table.FindClosest(target)
	queried := map[types.NodeID]struct{}{n.self.ID: {}}
	depth := uint8(n.cfg.MaxLookupDepth)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var next *types.NodeInfo
		for i := range candidates {
			if _, done := queried[candidates[i].ID]; !done {
				next = &candidates[i]
				break
			}
		}
		if next == nil {
			return nil, ErrNotFound
		}
		peer := *next
		queried[peer.ID] = struct{}{}

		resp, err := n.rpc.FindValue(ctx, peer, key, depth)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			n.evict(peer, "unresponsive")
			continue
		}
		n.table.AddNode(peer)
		if len(resp.Value) > 0 {
			return resp.Value, nil
		}
		candidates = mergeCandidates(candidates, protocol.FromWire(resp.Nodes), target, n.cfg.K, queried)
	}
}

func (n *Node) evict(peer types.NodeInfo, reason string) {
	if n.table.RemoveNode(peer.ID) {
		metrics.EvictionsTotal.WithLabelValues(reason).Inc()
		n.log.WithField("peer", peer.String()).Debugf("Evicted %s peer", reason)
	}
}

// Run starts the maintenance loops and blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.RunRefresh(ctx) })
	g.Go(func() error { return n.RunLiveness(ctx) })
	g.Go(func() error { return n.RunExpiry(ctx) })
	if n.cfg.RepublishInterval > 0 {
		g.Go(func() error { return n.RunRepublish(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
