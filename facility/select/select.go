// Package selection provides facility.SelectionPolicy implementations used
// by Random-dispatch facilities to pick one live locator per order. It
// lives under facility/select so import paths read naturally even though
// "select" can't be a Go package identifier.
//
// Adapted from the teacher's loadbalance package (RoundRobinBalancer,
// WeightedRandomBalancer, ConsistentHashBalancer): same three strategies,
// generalized from loadbalance.Balancer's []registry.ServiceInstance to
// []locator.ConnectionLocator since a facility's live set has no separate
// weight/instance model — every session counts as one equally-weighted
// candidate, except where Weighted is used to mirror the teacher's
// weighted-random behavior.
package selection

import (
	"hash/crc32"
	"math/rand"
	"sort"
	"sync/atomic"

	"github.com/matrixspace/fabric/locator"
)

// Uniform picks uniformly at random across the live set. It is
// facility.DefaultSelectionPolicy's implementation.
type Uniform struct{}

func (Uniform) Pick(live []locator.ConnectionLocator) (locator.ConnectionLocator, bool) {
	if len(live) == 0 {
		return locator.ConnectionLocator{}, false
	}
	return live[rand.Intn(len(live))], true
}

// RoundRobin cycles through the live set in order using a lock-free atomic
// counter, adapted from the teacher's RoundRobinBalancer.
type RoundRobin struct {
	counter int64
}

func (b *RoundRobin) Pick(live []locator.ConnectionLocator) (locator.ConnectionLocator, bool) {
	if len(live) == 0 {
		return locator.ConnectionLocator{}, false
	}
	idx := (atomic.AddInt64(&b.counter, 1) - 1) % int64(len(live))
	return live[idx], true
}

// Weighted picks probabilistically according to a caller-supplied weight
// function, adapted from the teacher's WeightedRandomBalancer.
type Weighted struct {
	Weight func(locator.ConnectionLocator) int
}

func (w *Weighted) Pick(live []locator.ConnectionLocator) (locator.ConnectionLocator, bool) {
	if len(live) == 0 {
		return locator.ConnectionLocator{}, false
	}
	total := 0
	for _, l := range live {
		total += w.weightOf(l)
	}
	if total <= 0 {
		return live[rand.Intn(len(live))], true
	}
	r := rand.Intn(total)
	for _, l := range live {
		r -= w.weightOf(l)
		if r < 0 {
			return l, true
		}
	}
	return live[len(live)-1], true
}

// weightOf treats a nil Weight func as uniform (every locator weight 1) and
// clamps a negative weight to 0; a caller-returned 0 legitimately excludes a
// locator (e.g. a node in drain mode) rather than falling back to a default.
func (w *Weighted) weightOf(l locator.ConnectionLocator) int {
	if w.Weight == nil {
		return 1
	}
	if v := w.Weight(l); v > 0 {
		return v
	}
	return 0
}

// ConsistentHash maps an external affinity key onto one of the live
// locators via a hash ring with virtual nodes, adapted from the teacher's
// ConsistentHashBalancer. Unlike the teacher's Balancer, Pick here still
// takes the live slice (facility.SelectionPolicy's contract) — the key is
// supplied once, to NewConsistentHash, since a single
// MultiTransportRemoteFacility's Random dispatch has no per-order affinity
// key in spec.md's model. A caller that needs a per-order key builds one
// ConsistentHash per order.
type ConsistentHash struct {
	replicas int
	key      string
}

// NewConsistentHash builds a hash-ring policy with 100 virtual nodes per
// live locator, matching the teacher's replica count, pinned to affinity
// key.
func NewConsistentHash(key string) *ConsistentHash {
	return &ConsistentHash{replicas: 100, key: key}
}

func (c *ConsistentHash) Pick(live []locator.ConnectionLocator) (locator.ConnectionLocator, bool) {
	if len(live) == 0 {
		return locator.ConnectionLocator{}, false
	}
	type node struct {
		hash uint32
		loc  locator.ConnectionLocator
	}
	ring := make([]node, 0, len(live)*c.replicas)
	for _, l := range live {
		for i := 0; i < c.replicas; i++ {
			h := crc32.ChecksumIEEE([]byte(l.Key() + "#" + itoa(i)))
			ring = append(ring, node{hash: h, loc: l})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	hash := crc32.ChecksumIEEE([]byte(c.key))
	idx := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= hash })
	if idx == len(ring) {
		idx = 0
	}
	return ring[idx].loc, true
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// Uniform, RoundRobin, Weighted, and ConsistentHash each satisfy
// facility.SelectionPolicy structurally (same Pick signature); this package
// can't import facility to assert it directly without an import cycle,
// since facility imports this package for its default policy.
