package dht

import (
	"context"

	"github.com/busybox42/kadnode/pkg/protocol"
	"github.com/busybox42/kadnode/pkg/types"
)

// RPC is the outbound side of the protocol. Implementations sign each
// request, retry on transport failure and return a terminal error once the
// attempt budget is spent. The peer's ID may be zero when only its address
// is known, as when bootstrapping.
type RPC interface {
	// Ping checks if a node is alive
	Ping(ctx context.Context, peer types.NodeInfo) (*protocol.PingResponse, error)

	// Store asks a node to hold a value
	Store(ctx context.Context, peer types.NodeInfo, key, value []byte) (*protocol.StoreResponse, error)

	// FindNode asks a node for its view of target's neighbourhood
	FindNode(ctx context.Context, peer types.NodeInfo, target types.NodeID, depth uint8) (*protocol.FindNodeResponse, error)

	// FindValue asks a node for a value, or the closest peers it knows
	FindValue(ctx context.Context, peer types.NodeInfo, key []byte, depth uint8) (*protocol.FindValueResponse, error)
}
