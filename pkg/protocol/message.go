package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/busybox42/kadnode/pkg/crypto"
	"github.com/busybox42/kadnode/pkg/types"
)

type Op uint8

const (
	OpPing Op = iota + 1
	OpStore
	OpFindNode
	OpFindValue
)

func (o Op) String() string {
	switch o {
	case OpPing:
		return "ping"
	case OpStore:
		return "store"
	case OpFindNode:
		return "find_node"
	case OpFindValue:
		return "find_value"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Header carries the authentication fields shared by every request.
type Header struct {
	RequesterID      []byte `msgpack:"requester_id"`
	RequesterAddress string `msgpack:"requester_address"`
	Timestamp        int64  `msgpack:"timestamp"`
	Nonce            int64  `msgpack:"nonce"`
	Signature        []byte `msgpack:"signature"`
	PublicKey        []byte `msgpack:"public_key"`
}

// Node is a peer reference on the wire.
type Node struct {
	ID      []byte `msgpack:"id"`
	Address string `msgpack:"address"`
}

// Request is implemented by every request body.
type Request interface {
	Op() Op
	RequestHeader() *Header
	// Digest is the canonical byte string covered by the signature.
	Digest() []byte
}

type PingRequest struct {
	Header Header `msgpack:"header"`
}

type PingResponse struct {
	IsOnline bool   `msgpack:"is_online"`
	NodeID   []byte `msgpack:"node_id"`
}

type StoreRequest struct {
	Header Header `msgpack:"header"`
	Key    []byte `msgpack:"key"`
	Value  []byte `msgpack:"value"`
}

type StoreResponse struct {
	Success bool `msgpack:"success"`
}

// FindNodeRequest asks for the peers closest to Target. Depth counts how many
// handlers have already forwarded the lookup.
type FindNodeRequest struct {
	Header Header `msgpack:"header"`
	Target []byte `msgpack:"target"`
	Depth  uint8  `msgpack:"depth"`
}

type FindNodeResponse struct {
	Nodes []Node `msgpack:"nodes"`
}

type FindValueRequest struct {
	Header Header `msgpack:"header"`
	Key    []byte `msgpack:"key"`
	Depth  uint8  `msgpack:"depth"`
}

// FindValueResponse holds the value on a hit, or the closest peers otherwise.
type FindValueResponse struct {
	Value []byte `msgpack:"value"`
	Nodes []Node `msgpack:"nodes"`
}

func (r *PingRequest) Op() Op                 { return OpPing }
func (r *PingRequest) RequestHeader() *Header { return &r.Header }
func (r *PingRequest) Digest() []byte         { return digest(OpPing, &r.Header) }

func (r *StoreRequest) Op() Op                 { return OpStore }
func (r *StoreRequest) RequestHeader() *Header { return &r.Header }
func (r *StoreRequest) Digest() []byte         { return digest(OpStore, &r.Header, r.Key, r.Value) }

func (r *FindNodeRequest) Op() Op                 { return OpFindNode }
func (r *FindNodeRequest) RequestHeader() *Header { return &r.Header }
func (r *FindNodeRequest) Digest() []byte {
	return digest(OpFindNode, &r.Header, r.Target, []byte{r.Depth})
}

func (r *FindValueRequest) Op() Op                 { return OpFindValue }
func (r *FindValueRequest) RequestHeader() *Header { return &r.Header }
func (r *FindValueRequest) Digest() []byte {
	return digest(OpFindValue, &r.Header, r.Key, []byte{r.Depth})
}

var digestMagic = []byte("KAD1")

// digest builds the signed representation: magic, op, timestamp, nonce and
// then length-prefixed public key, requester id, requester address and the
// op specific fields.
func digest(op Op, h *Header, fields ...[]byte) []byte {
	buf := new(bytes.Buffer)
	buf.Write(digestMagic)
	buf.WriteByte(byte(op))
	binary.Write(buf, binary.BigEndian, h.Timestamp)
	binary.Write(buf, binary.BigEndian, h.Nonce)

	writeField := func(b []byte) {
		binary.Write(buf, binary.BigEndian, uint32(len(b)))
		buf.Write(b)
	}
	writeField(h.PublicKey)
	writeField(h.RequesterID)
	writeField([]byte(h.RequesterAddress))
	for _, f := range fields {
		writeField(f)
	}
	return buf.Bytes()
}

// SignRequest fills the authentication header of req and signs it.
func SignRequest(req Request, identity *crypto.Identity, address string, nonce int64, now time.Time) {
	h := req.RequestHeader()
	h.RequesterID = identity.ID.Bytes()
	h.RequesterAddress = address
	h.Timestamp = now.Unix()
	h.Nonce = nonce
	h.PublicKey = append([]byte(nil), identity.Keys.PublicKey...)
	h.Signature = identity.Keys.Sign(req.Digest())
}

// ToWire converts routing table entries into wire form.
func ToWire(nodes []types.NodeInfo) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, Node{ID: n.ID.Bytes(), Address: n.Address})
	}
	return out
}

// FromWire converts wire nodes back, dropping entries with malformed ids.
func FromWire(nodes []Node) []types.NodeInfo {
	out := make([]types.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		id, err := types.NodeIDFromBytes(n.ID)
		if err != nil {
			continue
		}
		out = append(out, types.NewNodeInfo(id, n.Address))
	}
	return out
}
