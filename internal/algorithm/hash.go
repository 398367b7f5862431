// Package algorithm holds the partitioning functions that map cache keys to
// their owners. Every ConsistentHash value is immutable once built; a new
// member list always produces a new value.
package algorithm

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/devrev/distcache/internal/model"
)

// Kind names a ConsistentHash implementation on the wire and in config
type Kind string

const (
	// KindRing is the virtual-node ring
	KindRing Kind = "ring"
	// KindPartition is the fixed segment table
	KindPartition Kind = "partition"
	// KindUnion is the transient old+new view used during a rehash
	KindUnion Kind = "union"
)

// ConsistentHash maps keys to ordered owner lists
type ConsistentHash interface {
	// Locate returns min(replCount, members) distinct owners, primary first
	Locate(key string, replCount int) []model.Address
	// LocateAll locates a batch of keys
	LocateAll(keys []string, replCount int) map[string][]model.Address
	// IsKeyLocalToAddress reports whether addr is among the key's owners
	IsKeyLocalToAddress(addr model.Address, key string, replCount int) bool
	// Caches returns the sorted member list
	Caches() []model.Address
	// WithCaches returns a hash over the given members, leaving the receiver untouched
	WithCaches(members []model.Address) (ConsistentHash, error)
	// HashIDs returns the segment identifiers owned by addr
	HashIDs(addr model.Address) ([]uint64, error)
	// NumOwners is the default replication count
	NumOwners() int
	// Kind identifies the implementation
	Kind() Kind
}

// Options tunes the plain hash implementations
type Options struct {
	VirtualNodes   int
	PartitionCount int
}

const (
	// DefaultVirtualNodes is the number of ring points per member
	DefaultVirtualNodes = 150
	// DefaultPartitionCount is the segment table size
	DefaultPartitionCount = 271
)

// New builds a plain consistent hash of the requested kind
func New(kind Kind, members []model.Address, numOwners int, opts Options) (ConsistentHash, error) {
	if numOwners <= 0 {
		return nil, fmt.Errorf("number of owners must be positive, got %d", numOwners)
	}
	switch kind {
	case KindRing, "":
		return NewDefaultConsistentHash(members, numOwners, opts.VirtualNodes), nil
	case KindPartition:
		return NewPartitionConsistentHash(members, numOwners, opts.PartitionCount), nil
	default:
		return nil, fmt.Errorf("unknown consistent hash kind %q", kind)
	}
}

// IsUnion reports whether ch is a union view
func IsUnion(ch ConsistentHash) bool {
	_, ok := ch.(*UnionConsistentHash)
	return ok
}

// hashKey computes the 64-bit ring position of a key
func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// xxHasher adapts xxhash to the segment table's Hasher interface
type xxHasher struct{}

func (xxHasher) Sum64(data []byte) uint64 {
	return xxhash.Sum64(data)
}

func locateAll(ch ConsistentHash, keys []string, replCount int) map[string][]model.Address {
	result := make(map[string][]model.Address, len(keys))
	for _, k := range keys {
		result[k] = ch.Locate(k, replCount)
	}
	return result
}

func ownerCount(replCount, members int) int {
	if replCount <= 0 {
		return 0
	}
	if replCount > members {
		return members
	}
	return replCount
}
