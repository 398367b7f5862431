package algorithm

import (
	"fmt"

	"github.com/devrev/distcache/internal/errors"
	"github.com/devrev/distcache/internal/model"
)

// UnionConsistentHash is the read-only view installed while a rehash is in
// flight. A key is located on every node that owns it under either the old
// or the new hash, so a read finds it whether or not it has moved yet.
type UnionConsistentHash struct {
	oldCH ConsistentHash
	newCH ConsistentHash
}

// NewUnionConsistentHash combines two plain hashes. Unions never nest.
func NewUnionConsistentHash(oldCH, newCH ConsistentHash) (*UnionConsistentHash, error) {
	if oldCH == nil || newCH == nil {
		return nil, errors.Configuration("union consistent hash requires two hashes", nil)
	}
	if IsUnion(oldCH) || IsUnion(newCH) {
		return nil, errors.Configuration("union consistent hash cannot wrap another union", nil).
			WithDetail("old_kind", string(oldCH.Kind())).
			WithDetail("new_kind", string(newCH.Kind()))
	}
	return &UnionConsistentHash{oldCH: oldCH, newCH: newCH}, nil
}

// Locate returns the old owners followed by the new-only owners
func (u *UnionConsistentHash) Locate(key string, replCount int) []model.Address {
	oldOwners := u.oldCH.Locate(key, replCount)
	newOwners := u.newCH.Locate(key, replCount)

	owners := make([]model.Address, 0, len(oldOwners)+len(newOwners))
	seen := make(map[model.Address]bool, len(oldOwners)+len(newOwners))
	for _, list := range [][]model.Address{oldOwners, newOwners} {
		for _, a := range list {
			if !seen[a] {
				seen[a] = true
				owners = append(owners, a)
			}
		}
	}
	return owners
}

// LocateAll locates every key in the batch
func (u *UnionConsistentHash) LocateAll(keys []string, replCount int) map[string][]model.Address {
	return locateAll(u, keys, replCount)
}

// IsKeyLocalToAddress reports whether addr owns key under either hash
func (u *UnionConsistentHash) IsKeyLocalToAddress(addr model.Address, key string, replCount int) bool {
	return model.ContainsAddress(u.Locate(key, replCount), addr)
}

// Caches returns nil; a union has no membership of its own
func (u *UnionConsistentHash) Caches() []model.Address {
	return nil
}

// WithCaches is a no-op and returns the receiver
func (u *UnionConsistentHash) WithCaches(members []model.Address) (ConsistentHash, error) {
	return u, nil
}

// HashIDs is not supported by a union
func (u *UnionConsistentHash) HashIDs(addr model.Address) ([]uint64, error) {
	return nil, errors.Unsupported("HashIDs on union consistent hash")
}

// NumOwners returns the replication count of the new hash
func (u *UnionConsistentHash) NumOwners() int {
	return u.newCH.NumOwners()
}

// Kind returns KindUnion
func (u *UnionConsistentHash) Kind() Kind {
	return KindUnion
}

// OldConsistentHash returns the hash that was installed before the rehash
func (u *UnionConsistentHash) OldConsistentHash() ConsistentHash {
	return u.oldCH
}

// NewConsistentHash returns the hash that will be installed at cutover
func (u *UnionConsistentHash) NewConsistentHash() ConsistentHash {
	return u.newCH
}

func (u *UnionConsistentHash) String() string {
	return fmt.Sprintf("UnionConsistentHash{old=%v, new=%v}", u.oldCH, u.newCH)
}
