package dht

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/busybox42/kadnode/internal/store"
	"github.com/busybox42/kadnode/pkg/config"
	"github.com/busybox42/kadnode/pkg/crypto"
	"github.com/busybox42/kadnode/pkg/protocol"
	"github.com/busybox42/kadnode/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("peer unreachable")

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Difficulty = 0
	cfg.StoreTTL = 0
	return cfg
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity(context.Background(), 0, 0, quietLogger())
	require.NoError(t, err)
	return id
}

// simNetwork routes RPCs straight into the handlers of in-process nodes.
type simNetwork struct {
	mu    sync.Mutex
	nodes map[string]*Node
	down  map[string]bool
	next  int
}

func newSimNetwork() *simNetwork {
	return &simNetwork{nodes: make(map[string]*Node), down: make(map[string]bool)}
}

// addNode starts a node on a fresh simulated host.
func (s *simNetwork) addNode(t *testing.T, cfg config.Config) (*Node, *simRPC) {
	t.Helper()
	s.mu.Lock()
	s.next++
	addr := fmt.Sprintf("10.0.%d.%d:4000", s.next/250, s.next%250)
	s.mu.Unlock()

	rpc := &simRPC{net: s}
	n := NewNode(cfg, newTestIdentity(t), addr, store.NewMemoryStore(), rpc, quietLogger())
	rpc.from = n
	t.Cleanup(n.Close)

	s.mu.Lock()
	s.nodes[addr] = n
	s.mu.Unlock()
	return n, rpc
}

func (s *simNetwork) setDown(addr string, down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down[addr] = down
}

func (s *simNetwork) lookupNode(addr string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[addr]
	if !ok || s.down[addr] {
		return nil, errUnreachable
	}
	return n, nil
}

// simRPC signs requests as its owning node, like the network client does.
type simRPC struct {
	net  *simNetwork
	from *Node

	mu     sync.Mutex
	nonces map[types.NodeID]int64

	pings      atomic.Int32
	stores     atomic.Int32
	findNodes  atomic.Int32
	findValues atomic.Int32
}

func (r *simRPC) call(ctx context.Context, peer types.NodeInfo, req protocol.Request) (any, error) {
	target, err := r.net.lookupNode(peer.Address)
	if err != nil {
		return nil, err
	}
	protocol.SignRequest(req, r.from.identity, r.from.self.Address, r.nextNonce(target.ID()), time.Now())
	return target.Handler().Handle(ctx, req)
}

// nextNonce counts per target id, as peers do.
func (r *simRPC) nextNonce(id types.NodeID) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nonces == nil {
		r.nonces = make(map[types.NodeID]int64)
	}
	r.nonces[id]++
	return r.nonces[id]
}

func (r *simRPC) Ping(ctx context.Context, peer types.NodeInfo) (*protocol.PingResponse, error) {
	r.pings.Add(1)
	resp, err := r.call(ctx, peer, &protocol.PingRequest{})
	if err != nil {
		return nil, err
	}
	return resp.(*protocol.PingResponse), nil
}

func (r *simRPC) Store(ctx context.Context, peer types.NodeInfo, key, value []byte) (*protocol.StoreResponse, error) {
	r.stores.Add(1)
	resp, err := r.call(ctx, peer, &protocol.StoreRequest{Key: key, Value: value})
	if err != nil {
		return nil, err
	}
	return resp.(*protocol.StoreResponse), nil
}

func (r *simRPC) FindNode(ctx context.Context, peer types.NodeInfo, target types.NodeID, depth uint8) (*protocol.FindNodeResponse, error) {
	r.findNodes.Add(1)
	resp, err := r.call(ctx, peer, &protocol.FindNodeRequest{Target: target.Bytes(), Depth: depth})
	if err != nil {
		return nil, err
	}
	return resp.(*protocol.FindNodeResponse), nil
}

func (r *simRPC) FindValue(ctx context.Context, peer types.NodeInfo, key []byte, depth uint8) (*protocol.FindValueResponse, error) {
	r.findValues.Add(1)
	resp, err := r.call(ctx, peer, &protocol.FindValueRequest{Key: key, Depth: depth})
	if err != nil {
		return nil, err
	}
	return resp.(*protocol.FindValueResponse), nil
}

// link makes a know b.
func link(a, b *Node) {
	a.table.AddNode(b.self)
}
