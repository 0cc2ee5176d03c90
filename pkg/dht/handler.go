package dht

import (
	"context"
	"errors"

	"github.com/busybox42/kadnode/pkg/metrics"
	"github.com/busybox42/kadnode/pkg/protocol"
	"github.com/busybox42/kadnode/pkg/types"
	"github.com/sirupsen/logrus"
)

// RequestHandler serves the four RPCs on behalf of a Node.
type RequestHandler struct {
	node *Node
}

// Handle dispatches req to the matching operation. Rejections are returned
// as *protocol.Error.
func (h *RequestHandler) Handle(ctx context.Context, req protocol.Request) (any, error) {
	resp, err := h.dispatch(ctx, req)
	result := "ok"
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			result = string(perr.Code)
		} else {
			result = "error"
		}
	}
	metrics.RequestsTotal.WithLabelValues(req.Op().String(), result).Inc()
	return resp, err
}

func (h *RequestHandler) dispatch(ctx context.Context, req protocol.Request) (any, error) {
	switch r := req.(type) {
	case *protocol.PingRequest:
		return h.HandlePing(ctx, r)
	case *protocol.StoreRequest:
		return h.HandleStore(ctx, r)
	case *protocol.FindNodeRequest:
		return h.HandleFindNode(ctx, r)
	case *protocol.FindValueRequest:
		return h.HandleFindValue(ctx, r)
	default:
		return nil, protocol.InvalidArgument("unknown request type %s", req.Op())
	}
}

// authorize is the gate every request passes first. A failed check costs
// the caller one reputation point. A passed one puts the caller in the
// routing table, at the address it signed, and then earns it a point.
func (h *RequestHandler) authorize(req protocol.Request) (types.NodeInfo, error) {
	hdr := req.RequestHeader()
	callerID, err := types.NodeIDFromBytes(hdr.RequesterID)
	if err != nil {
		return types.NodeInfo{}, protocol.InvalidArgument("bad requester id: %v", err)
	}
	caller := types.NewNodeInfo(callerID, hdr.RequesterAddress)
	table := h.node.table

	if err := h.node.validator.ValidateRequest(hdr.Timestamp, hdr.Nonce, callerID, req.Digest(), hdr.Signature, hdr.PublicKey); err != nil {
		rep, banned := table.AdjustReputation(callerID, -1)
		fields := logrus.Fields{"peer": caller.String(), "op": req.Op().String(), "reputation": rep}
		if banned {
			h.node.log.WithFields(fields).Warn("Banned peer after repeated authentication failures")
		} else {
			h.node.log.WithFields(fields).WithError(err).Debug("Rejected request")
		}
		return caller, protocol.Unauthenticated(err)
	}

	if caller.ValidAddress() {
		table.UpdateNode(caller)
	}
	table.AdjustReputation(callerID, 1)
	return caller, nil
}

func (h *RequestHandler) HandlePing(ctx context.Context, req *protocol.PingRequest) (*protocol.PingResponse, error) {
	if _, err := h.authorize(req); err != nil {
		return nil, err
	}
	return &protocol.PingResponse{IsOnline: true, NodeID: h.node.self.ID.Bytes()}, nil
}

// HandleStore writes the value and replicates it to the closest peers in
// the background. Storing a value identical to the one held is a no-op and
// triggers no replication.
func (h *RequestHandler) HandleStore(ctx context.Context, req *protocol.StoreRequest) (*protocol.StoreResponse, error) {
	if _, err := h.authorize(req); err != nil {
		return nil, err
	}
	if len(req.Key) == 0 {
		return nil, protocol.InvalidArgument("empty key")
	}

	changed, err := h.node.storeLocal(req.Key, req.Value)
	if err != nil {
		return nil, protocol.Internal(err)
	}
	if changed {
		h.node.forwardStore(req.Key, req.Value)
	}
	return &protocol.StoreResponse{Success: true}, nil
}

func (h *RequestHandler) HandleFindNode(ctx context.Context, req *protocol.FindNodeRequest) (*protocol.FindNodeResponse, error) {
	caller, err := h.authorize(req)
	if err != nil {
		return nil, err
	}
	target, err := types.NodeIDFromBytes(req.Target)
	if err != nil {
		return nil, protocol.InvalidArgument("bad target: %v", err)
	}
	return &protocol.FindNodeResponse{Nodes: protocol.ToWire(h.closestFor(ctx, target, caller.ID, req.Depth))}, nil
}

// HandleFindValue answers with the value when held locally, otherwise with
// the closest peers to the key so the caller can continue the walk.
func (h *RequestHandler) HandleFindValue(ctx context.Context, req *protocol.FindValueRequest) (*protocol.FindValueResponse, error) {
	caller, err := h.authorize(req)
	if err != nil {
		return nil, err
	}
	if len(req.Key) == 0 {
		return nil, protocol.InvalidArgument("empty key")
	}
	if value, ok := h.node.storage.Retrieve(req.Key); ok {
		return &protocol.FindValueResponse{Value: value}, nil
	}
	nodes := h.closestFor(ctx, types.KeyToID(req.Key), caller.ID, req.Depth)
	return &protocol.FindValueResponse{Nodes: protocol.ToWire(nodes)}, nil
}

// closestFor picks the peers to return for target, never including the
// requester. A target that is this node or already known is answered with
// every known peer. Otherwise an iterative lookup runs while depth is below
// MaxLookupDepth, and the local table answers past that. An empty answer is
// replaced by this node itself.
func (h *RequestHandler) closestFor(ctx context.Context, target, requester types.NodeID, depth uint8) []types.NodeInfo {
	n := h.node
	var nodes []types.NodeInfo
	switch {
	case target == n.self.ID || n.table.Contains(target):
		nodes = withoutID(n.table.GetAllNodes(), requester)
	case int(depth) < n.cfg.MaxLookupDepth:
		nodes = n.lookup(ctx, target, depth+1, requester)
	default:
		nodes = withoutID(n.table.FindClosest(target), requester)
	}
	if len(nodes) == 0 {
		nodes = []types.NodeInfo{n.self}
	}
	return nodes
}

func withoutID(nodes []types.NodeInfo, id types.NodeID) []types.NodeInfo {
	out := nodes[:0]
	for _, n := range nodes {
		if n.ID != id {
			out = append(out, n)
		}
	}
	return out
}
