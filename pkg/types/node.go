package types

import (
	"net"
	"sort"
)

// NodeInfo is a peer as the routing table sees it. Equality is by ID only.
type NodeInfo struct {
	ID         NodeID
	Address    string
	Reputation int
}

func NewNodeInfo(id NodeID, address string) NodeInfo {
	return NodeInfo{ID: id, Address: address}
}

func (n NodeInfo) Equal(other NodeInfo) bool {
	return n.ID == other.ID
}

// Host returns the IP or host part of the address, used for per-IP accounting.
func (n NodeInfo) Host() string {
	host, _, err := net.SplitHostPort(n.Address)
	if err != nil {
		return n.Address
	}
	return host
}

// ValidAddress reports whether the address looks like host:port.
func (n NodeInfo) ValidAddress() bool {
	host, port, err := net.SplitHostPort(n.Address)
	return err == nil && host != "" && port != ""
}

func (n NodeInfo) String() string {
	return n.ID.Short() + "@" + n.Address
}

// SortByDistance orders nodes by ascending XOR distance to target.
func SortByDistance(nodes []NodeInfo, target NodeID) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return CompareDistance(target, nodes[i].ID, nodes[j].ID) < 0
	})
}
