package presence

import (
	"slices"
	"strings"
)

// Cluster is the fixed membership list plus the identity of this node.
// It is immutable once built.
type Cluster struct {
	self  string
	nodes []string
}

// NewCluster validates and copies the membership list. The local node does
// not have to appear in nodes; it is added when missing so that its own
// online set is always part of cluster-wide scans.
func NewCluster(self string, nodes []string) (Cluster, error) {
	self = strings.TrimSpace(self)
	if self == "" {
		return Cluster{}, invalidArgument("server id is not specified or is empty")
	}

	members := make([]string, 0, len(nodes)+1)
	for _, n := range nodes {
		n = strings.TrimSpace(n)
		if n == "" || slices.Contains(members, n) {
			continue
		}
		members = append(members, n)
	}
	if len(members) == 0 {
		return Cluster{}, invalidArgument("linked servers are not specified or are empty")
	}
	if !slices.Contains(members, self) {
		members = append(members, self)
	}

	return Cluster{self: self, nodes: members}, nil
}

// Self returns the local node id.
func (c Cluster) Self() string {
	return c.self
}

// Nodes returns a copy of every node id in the cluster, self included.
func (c Cluster) Nodes() []string {
	return slices.Clone(c.nodes)
}

// Others returns every node id except the given one.
func (c Cluster) Others(excluding string) []string {
	out := make([]string, 0, len(c.nodes))
	for _, n := range c.nodes {
		if n != excluding {
			out = append(out, n)
		}
	}
	return out
}

// Contains reports whether id is a configured node.
func (c Cluster) Contains(id string) bool {
	return slices.Contains(c.nodes, id)
}
