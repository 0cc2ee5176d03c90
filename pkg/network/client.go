package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/busybox42/kadnode/pkg/crypto"
	"github.com/busybox42/kadnode/pkg/metrics"
	"github.com/busybox42/kadnode/pkg/protocol"
	"github.com/busybox42/kadnode/pkg/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

var ErrAttemptsExhausted = errors.New("no response after all attempts")

// Client sends signed requests to peers. Peers track nonces per requester
// id, so the client keeps one nonce sequence per peer id: a peer reached
// under several addresses still sees one steadily increasing counter.
type Client struct {
	identity *crypto.Identity
	address  string
	dialer   Dialer
	cfg      Config
	log      logrus.FieldLogger

	mu     sync.Mutex
	nonces map[types.NodeID]int64
	// peers whose id is not known yet, by address
	pending map[string]int64
	ids     map[string]types.NodeID
}

// NewClient builds a client that signs as identity and advertises address
// as the place peers can reach it.
func NewClient(identity *crypto.Identity, address string, dialer Dialer, cfg Config, logger logrus.FieldLogger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Client{
		identity: identity,
		address:  address,
		dialer:   dialer,
		cfg:      cfg,
		log:      logger,
		nonces:   make(map[types.NodeID]int64),
		pending:  make(map[string]int64),
		ids:      make(map[string]types.NodeID),
	}
}

// nextNonce returns the next nonce for peer. A peer with a zero id uses the
// id last seen answering at its address, and failing that a sequence kept
// for the address until learn links it to an id.
func (c *Client) nextNonce(peer types.NodeInfo) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := peer.ID
	if id.IsZero() {
		id = c.ids[peer.Address]
	}
	if id.IsZero() {
		n, ok := c.pending[peer.Address]
		if !ok {
			n = rand.Int64N(1 << 40)
		}
		n++
		c.pending[peer.Address] = n
		return n
	}

	n, ok := c.nonces[id]
	if !ok {
		n = rand.Int64N(1 << 40)
	}
	n++
	c.nonces[id] = n
	return n
}

// learn records that the peer at address answered as id. A sequence started
// for the bare address carries over unless id already has one.
func (c *Client) learn(address string, id types.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.pending[address]; ok {
		if _, known := c.nonces[id]; !known {
			c.nonces[id] = n
		}
		delete(c.pending, address)
	}
	c.ids[address] = id
}

// call performs req against peer with retries. Every attempt is signed
// afresh with a new nonce and timestamp. A rejection from the peer is final.
func (c *Client) call(ctx context.Context, peer types.NodeInfo, req protocol.Request) (*protocol.Frame, error) {
	op := req.Op().String()
	address := peer.Address
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialBackoff
	policy.MaxInterval = c.cfg.Timeout
	policy.MaxElapsedTime = 0

	attempts := 0
	var resp *protocol.Frame
	err := backoff.Retry(func() error {
		attempts++
		protocol.SignRequest(req, c.identity, c.address, c.nextNonce(peer), time.Now())
		frame, err := protocol.NewRequestFrame(req)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err = exchange(ctx, c.dialer, address, frame, c.cfg.Timeout)
		if err != nil {
			metrics.RPCAttemptsTotal.WithLabelValues(op, "error").Inc()
			c.log.WithFields(logrus.Fields{
				"peer":    address,
				"op":      op,
				"attempt": attempts,
			}).WithError(err).Debug("Request attempt failed")
			return err
		}
		if resp.Error != nil {
			metrics.RPCAttemptsTotal.WithLabelValues(op, "rejected").Inc()
			return backoff.Permanent(resp.Error)
		}
		metrics.RPCAttemptsTotal.WithLabelValues(op, "ok").Inc()
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.MaxAttempts-1)), ctx))

	if err == nil {
		return resp, nil
	}
	var perr *protocol.Error
	if errors.As(err, &perr) || ctx.Err() != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s to %s after %d attempts: %v", ErrAttemptsExhausted, op, address, attempts, err)
}

func decode[T any](f *protocol.Frame, op protocol.Op) (*T, error) {
	if f.Type != op {
		return nil, fmt.Errorf("expected %s response, got %s", op, f.Type)
	}
	resp := new(T)
	if err := f.Decode(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Ping checks that peer is alive. The id in the reply is remembered for
// the address, so later requests there continue that peer's nonces.
func (c *Client) Ping(ctx context.Context, peer types.NodeInfo) (*protocol.PingResponse, error) {
	f, err := c.call(ctx, peer, &protocol.PingRequest{})
	if err != nil {
		return nil, err
	}
	resp, err := decode[protocol.PingResponse](f, protocol.OpPing)
	if err != nil {
		return nil, err
	}
	if id, err := types.NodeIDFromBytes(resp.NodeID); err == nil {
		c.learn(peer.Address, id)
	}
	return resp, nil
}

func (c *Client) Store(ctx context.Context, peer types.NodeInfo, key, value []byte) (*protocol.StoreResponse, error) {
	f, err := c.call(ctx, peer, &protocol.StoreRequest{Key: key, Value: value})
	if err != nil {
		return nil, err
	}
	return decode[protocol.StoreResponse](f, protocol.OpStore)
}

func (c *Client) FindNode(ctx context.Context, peer types.NodeInfo, target types.NodeID, depth uint8) (*protocol.FindNodeResponse, error) {
	f, err := c.call(ctx, peer, &protocol.FindNodeRequest{Target: target.Bytes(), Depth: depth})
	if err != nil {
		return nil, err
	}
	return decode[protocol.FindNodeResponse](f, protocol.OpFindNode)
}

func (c *Client) FindValue(ctx context.Context, peer types.NodeInfo, key []byte, depth uint8) (*protocol.FindValueResponse, error) {
	f, err := c.call(ctx, peer, &protocol.FindValueRequest{Key: key, Depth: depth})
	if err != nil {
		return nil, err
	}
	return decode[protocol.FindValueResponse](f, protocol.OpFindValue)
}
