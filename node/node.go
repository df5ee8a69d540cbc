// Package node describes the identity of a single cluster member and the
// statically configured set of members that make up a cluster.
package node

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Node is one member of the cluster: a host plus the two ports it listens
// on, one for cluster coordination and one for serving files to peers.
//
// A Node's identity across the cluster is host:coord_port. It is immutable
// once constructed.
type Node struct {
	Host      string
	CoordPort uint16
	FilePort  uint16
}

// ID renders the node's cluster identity, host:coord_port.
func (n Node) ID() string {
	return fmt.Sprintf("%s:%d", n.Host, n.CoordPort)
}

// CoordAddr is the address this node's consensus engine listens on.
func (n Node) CoordAddr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.CoordPort)
}

// FileAddr is the address this node's file-serving endpoint listens on.
func (n Node) FileAddr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.FilePort)
}

// ParseTriple parses one host:coord_port:file_port entry.
func ParseTriple(s string) (Node, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Node{}, errors.Errorf("malformed cluster entry %q: want host:coord_port:file_port", s)
	}

	host := parts[0]
	if host == "" {
		return Node{}, errors.Errorf("malformed cluster entry %q: empty host", s)
	}

	coordPort, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return Node{}, errors.Wrapf(err, "parsing coord_port in %q", s)
	}

	filePort, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return Node{}, errors.Wrapf(err, "parsing file_port in %q", s)
	}

	return Node{Host: host, CoordPort: uint16(coordPort), FilePort: uint16(filePort)}, nil
}

// Cluster is the ordered list of nodes making up the cluster.
type Cluster struct {
	Nodes []Node
}

// ParseCluster parses a comma-separated list of host:coord_port:file_port
// triples. Malformed entries are reported as errors but do not prevent the
// remaining entries from being parsed; per spec, it is the caller's job to
// log and skip them rather than abort.
func ParseCluster(csv string) (Cluster, []error) {
	var (
		cl   Cluster
		errs []error
	)
	for _, raw := range strings.Split(csv, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		n, err := ParseTriple(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cl.Nodes = append(cl.Nodes, n)
	}
	return cl, errs
}

// Self finds the node in the cluster matching the given host and
// coordination port.
func (c Cluster) Self(host string, coordPort uint16) (Node, bool) {
	id := fmt.Sprintf("%s:%d", host, coordPort)
	for _, n := range c.Nodes {
		if n.ID() == id {
			return n, true
		}
	}
	return Node{}, false
}

// Peers returns every node in the cluster other than self.
func (c Cluster) Peers(self Node) []Node {
	var out []Node
	for _, n := range c.Nodes {
		if n.ID() != self.ID() {
			out = append(out, n)
		}
	}
	return out
}

// ByID looks up a node by its cluster identity.
func (c Cluster) ByID(id string) (Node, bool) {
	for _, n := range c.Nodes {
		if n.ID() == id {
			return n, true
		}
	}
	return Node{}, false
}

// Size is the number of nodes in the cluster.
func (c Cluster) Size() int {
	return len(c.Nodes)
}
