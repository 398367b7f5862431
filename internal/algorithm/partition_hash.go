package algorithm

import (
	"fmt"
	"strings"

	"github.com/buraksezer/consistent"
	"github.com/devrev/distcache/internal/model"
)

const (
	partitionReplicationFactor = 20
	partitionLoad              = 1.25
)

// member adapts an address to consistent.Member
type member string

func (m member) String() string {
	return string(m)
}

// PartitionConsistentHash assigns keys to a fixed table of segments and each
// segment to a member with bounded load. HashIDs reports primary-owned segments.
type PartitionConsistentHash struct {
	members        []model.Address
	numOwners      int
	partitionCount int
	table          *consistent.Consistent
}

// NewPartitionConsistentHash builds a segment table over the given members
func NewPartitionConsistentHash(members []model.Address, numOwners, partitionCount int) *PartitionConsistentHash {
	if partitionCount <= 0 {
		partitionCount = DefaultPartitionCount
	}
	sorted := model.SortAddresses(members)

	ms := make([]consistent.Member, 0, len(sorted))
	for _, m := range sorted {
		ms = append(ms, member(m))
	}

	var table *consistent.Consistent
	if len(ms) > 0 {
		table = consistent.New(ms, consistent.Config{
			Hasher:            xxHasher{},
			PartitionCount:    partitionCount,
			ReplicationFactor: partitionReplicationFactor,
			Load:              partitionLoad,
		})
	}

	return &PartitionConsistentHash{
		members:        sorted,
		numOwners:      numOwners,
		partitionCount: partitionCount,
		table:          table,
	}
}

// Locate returns the segment owner followed by its ring successors
func (ch *PartitionConsistentHash) Locate(key string, replCount int) []model.Address {
	count := ownerCount(replCount, len(ch.members))
	if count == 0 || ch.table == nil {
		return []model.Address{}
	}

	closest, err := ch.table.GetClosestN([]byte(key), count)
	if err != nil {
		// count never exceeds the member count, so this cannot happen
		return []model.Address{}
	}

	owners := make([]model.Address, 0, len(closest))
	for _, m := range closest {
		owners = append(owners, model.Address(m.String()))
	}
	return owners
}

// LocateAll locates every key in the batch
func (ch *PartitionConsistentHash) LocateAll(keys []string, replCount int) map[string][]model.Address {
	return locateAll(ch, keys, replCount)
}

// IsKeyLocalToAddress reports whether addr owns key
func (ch *PartitionConsistentHash) IsKeyLocalToAddress(addr model.Address, key string, replCount int) bool {
	return model.ContainsAddress(ch.Locate(key, replCount), addr)
}

// Caches returns a copy of the sorted member list
func (ch *PartitionConsistentHash) Caches() []model.Address {
	out := make([]model.Address, len(ch.members))
	copy(out, ch.members)
	return out
}

// WithCaches builds a new table over a different member list
func (ch *PartitionConsistentHash) WithCaches(members []model.Address) (ConsistentHash, error) {
	return NewPartitionConsistentHash(members, ch.numOwners, ch.partitionCount), nil
}

// HashIDs returns the segments for which addr is the primary owner
func (ch *PartitionConsistentHash) HashIDs(addr model.Address) ([]uint64, error) {
	ids := make([]uint64, 0)
	if ch.table == nil {
		return ids, nil
	}
	for partID := 0; partID < ch.partitionCount; partID++ {
		if ch.table.GetPartitionOwner(partID).String() == string(addr) {
			ids = append(ids, uint64(partID))
		}
	}
	return ids, nil
}

// SegmentOf returns the segment a key falls into
func (ch *PartitionConsistentHash) SegmentOf(key string) int {
	if ch.table == nil {
		return -1
	}
	return ch.table.FindPartitionID([]byte(key))
}

// NumOwners returns the configured replication count
func (ch *PartitionConsistentHash) NumOwners() int {
	return ch.numOwners
}

// PartitionCount returns the segment table size
func (ch *PartitionConsistentHash) PartitionCount() int {
	return ch.partitionCount
}

// Kind returns KindPartition
func (ch *PartitionConsistentHash) Kind() Kind {
	return KindPartition
}

func (ch *PartitionConsistentHash) String() string {
	return fmt.Sprintf("PartitionConsistentHash{members=[%s], numOwners=%d, partitions=%d}",
		strings.Join(model.AddressStrings(ch.members), ","), ch.numOwners, ch.partitionCount)
}
