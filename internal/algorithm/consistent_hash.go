package algorithm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/devrev/distcache/internal/model"
)

// DefaultConsistentHash implements consistent hashing with virtual nodes.
// Adding or removing a member only moves the keys whose ring arcs change hands.
type DefaultConsistentHash struct {
	members      []model.Address
	numOwners    int
	virtualNodes int
	ring         []model.VirtualNode // sorted by hash, then owner
}

// NewDefaultConsistentHash builds a ring over the given members
func NewDefaultConsistentHash(members []model.Address, numOwners, virtualNodes int) *DefaultConsistentHash {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	sorted := model.SortAddresses(members)

	ring := make([]model.VirtualNode, 0, len(sorted)*virtualNodes)
	for _, m := range sorted {
		for i := 0; i < virtualNodes; i++ {
			vnodeID := fmt.Sprintf("%s-vnode-%d", m, i)
			ring = append(ring, model.VirtualNode{
				VNodeID: vnodeID,
				Hash:    hashKey(vnodeID),
				Owner:   m,
			})
		}
	}

	// Ties on the hash are broken by owner so every node builds the same ring
	sort.Slice(ring, func(i, j int) bool {
		if ring[i].Hash != ring[j].Hash {
			return ring[i].Hash < ring[j].Hash
		}
		return ring[i].Owner < ring[j].Owner
	})

	return &DefaultConsistentHash{
		members:      sorted,
		numOwners:    numOwners,
		virtualNodes: virtualNodes,
		ring:         ring,
	}
}

// Locate walks the ring clockwise from the key's position and collects distinct owners
func (ch *DefaultConsistentHash) Locate(key string, replCount int) []model.Address {
	count := ownerCount(replCount, len(ch.members))
	if count == 0 || len(ch.ring) == 0 {
		return []model.Address{}
	}

	keyHash := hashKey(key)
	idx := sort.Search(len(ch.ring), func(i int) bool {
		return ch.ring[i].Hash >= keyHash
	})
	if idx >= len(ch.ring) {
		idx = 0
	}

	owners := make([]model.Address, 0, count)
	seen := make(map[model.Address]bool, count)
	for i := 0; i < len(ch.ring) && len(owners) < count; i++ {
		vnode := ch.ring[(idx+i)%len(ch.ring)]
		if !seen[vnode.Owner] {
			owners = append(owners, vnode.Owner)
			seen[vnode.Owner] = true
		}
	}
	return owners
}

// LocateAll locates every key in the batch
func (ch *DefaultConsistentHash) LocateAll(keys []string, replCount int) map[string][]model.Address {
	return locateAll(ch, keys, replCount)
}

// IsKeyLocalToAddress reports whether addr owns key
func (ch *DefaultConsistentHash) IsKeyLocalToAddress(addr model.Address, key string, replCount int) bool {
	return model.ContainsAddress(ch.Locate(key, replCount), addr)
}

// Caches returns a copy of the sorted member list
func (ch *DefaultConsistentHash) Caches() []model.Address {
	out := make([]model.Address, len(ch.members))
	copy(out, ch.members)
	return out
}

// WithCaches builds a new ring with the same tuning over a different member list
func (ch *DefaultConsistentHash) WithCaches(members []model.Address) (ConsistentHash, error) {
	return NewDefaultConsistentHash(members, ch.numOwners, ch.virtualNodes), nil
}

// HashIDs returns the ring positions of addr's virtual nodes, ascending
func (ch *DefaultConsistentHash) HashIDs(addr model.Address) ([]uint64, error) {
	ids := make([]uint64, 0, ch.virtualNodes)
	for _, vnode := range ch.ring {
		if vnode.Owner == addr {
			ids = append(ids, vnode.Hash)
		}
	}
	return ids, nil
}

// NumOwners returns the configured replication count
func (ch *DefaultConsistentHash) NumOwners() int {
	return ch.numOwners
}

// VirtualNodes returns the number of ring points per member
func (ch *DefaultConsistentHash) VirtualNodes() int {
	return ch.virtualNodes
}

// Kind returns KindRing
func (ch *DefaultConsistentHash) Kind() Kind {
	return KindRing
}

func (ch *DefaultConsistentHash) String() string {
	return fmt.Sprintf("DefaultConsistentHash{members=[%s], numOwners=%d, virtualNodes=%d}",
		strings.Join(model.AddressStrings(ch.members), ","), ch.numOwners, ch.virtualNodes)
}
