package algorithm

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/devrev/distcache/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addrs(names ...string) []model.Address {
	return model.ParseAddresses(names)
}

func testKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}
	return keys
}

func plainHashes(members []model.Address, numOwners int) map[string]ConsistentHash {
	return map[string]ConsistentHash{
		"ring":      NewDefaultConsistentHash(members, numOwners, 64),
		"partition": NewPartitionConsistentHash(members, numOwners, 271),
	}
}

func TestConsistentHash_Deterministic(t *testing.T) {
	members := addrs("n1", "n2", "n3", "n4", "n5")
	shuffled := make([]model.Address, len(members))
	copy(shuffled, members)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	for name := range plainHashes(members, 2) {
		t.Run(name, func(t *testing.T) {
			a := plainHashes(members, 2)[name]
			b := plainHashes(shuffled, 2)[name]
			for _, key := range testKeys(500) {
				first := a.Locate(key, 2)
				assert.Equal(t, first, a.Locate(key, 2), "repeated call for %s", key)
				assert.Equal(t, first, b.Locate(key, 2), "independent instance for %s", key)
			}
			assert.Equal(t, a.Caches(), b.Caches())
		})
	}
}

func TestConsistentHash_NoDuplicateOwners(t *testing.T) {
	members := addrs("n1", "n2", "n3", "n4")

	for name, ch := range plainHashes(members, 2) {
		t.Run(name, func(t *testing.T) {
			for _, key := range testKeys(200) {
				for n := 0; n <= 6; n++ {
					owners := ch.Locate(key, n)
					expected := n
					if expected > len(members) {
						expected = len(members)
					}
					require.Len(t, owners, expected, "key %s n %d", key, n)

					seen := make(map[model.Address]bool)
					for _, o := range owners {
						assert.False(t, seen[o], "duplicate owner %s for %s", o, key)
						seen[o] = true
						assert.True(t, model.ContainsAddress(members, o))
					}
				}
			}
		})
	}
}

func TestConsistentHash_EmptyMembership(t *testing.T) {
	for name, ch := range plainHashes(nil, 2) {
		t.Run(name, func(t *testing.T) {
			assert.Empty(t, ch.Locate("k", 2))
			assert.Empty(t, ch.Caches())
			ids, err := ch.HashIDs("n1")
			require.NoError(t, err)
			assert.Empty(t, ids)
		})
	}
}

func TestDefaultConsistentHash_RemoveMemberMovesOnlyItsKeys(t *testing.T) {
	members := addrs("n1", "n2", "n3", "n4", "n5")
	before := NewDefaultConsistentHash(members, 1, 128)
	afterCH, err := before.WithCaches(addrs("n1", "n2", "n4", "n5"))
	require.NoError(t, err)

	moved := 0
	keys := testKeys(5000)
	for _, key := range keys {
		oldOwner := before.Locate(key, 1)[0]
		newOwner := afterCH.Locate(key, 1)[0]
		if oldOwner != "n3" {
			assert.Equal(t, oldOwner, newOwner, "key %s moved although its owner stayed", key)
		}
		if oldOwner != newOwner {
			moved++
		}
	}

	// roughly a fifth of the keys belonged to n3
	assert.InDelta(t, float64(len(keys))/5, float64(moved), float64(len(keys))/10)
}

func TestDefaultConsistentHash_AddMemberOnlyStealsKeys(t *testing.T) {
	before := NewDefaultConsistentHash(addrs("n1", "n2", "n3"), 1, 128)
	afterCH, err := before.WithCaches(addrs("n1", "n2", "n3", "n4"))
	require.NoError(t, err)

	for _, key := range testKeys(3000) {
		oldOwner := before.Locate(key, 1)[0]
		newOwner := afterCH.Locate(key, 1)[0]
		if oldOwner != newOwner {
			assert.Equal(t, model.Address("n4"), newOwner, "key %s moved to an existing member", key)
		}
	}
}

func TestDefaultConsistentHash_HashIDs(t *testing.T) {
	ch := NewDefaultConsistentHash(addrs("n1", "n2"), 2, 32)

	ids, err := ch.HashIDs("n1")
	require.NoError(t, err)
	assert.Len(t, ids, 32)
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i])
	}

	none, err := ch.HashIDs("n9")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDefaultConsistentHash_WithCachesKeepsTuning(t *testing.T) {
	ch := NewDefaultConsistentHash(addrs("n1", "n2"), 3, 16)
	next, err := ch.WithCaches(addrs("n2", "n3"))
	require.NoError(t, err)

	assert.Equal(t, addrs("n1", "n2"), ch.Caches(), "receiver must not change")
	assert.Equal(t, addrs("n2", "n3"), next.Caches())
	assert.Equal(t, 3, next.NumOwners())
	assert.Equal(t, 16, next.(*DefaultConsistentHash).VirtualNodes())
}

func TestPartitionConsistentHash_SegmentsCoverTable(t *testing.T) {
	members := addrs("n1", "n2", "n3")
	ch := NewPartitionConsistentHash(members, 2, 271)

	total := 0
	for _, m := range members {
		ids, err := ch.HashIDs(m)
		require.NoError(t, err)
		total += len(ids)
	}
	assert.Equal(t, 271, total)

	for _, key := range testKeys(100) {
		primary := ch.Locate(key, 1)[0]
		ids, err := ch.HashIDs(primary)
		require.NoError(t, err)
		assert.Contains(t, ids, uint64(ch.SegmentOf(key)))
	}
}

func TestNew_Kinds(t *testing.T) {
	ring, err := New(KindRing, addrs("n1"), 2, Options{})
	require.NoError(t, err)
	assert.Equal(t, KindRing, ring.Kind())
	assert.Equal(t, DefaultVirtualNodes, ring.(*DefaultConsistentHash).VirtualNodes())

	part, err := New(KindPartition, addrs("n1"), 2, Options{PartitionCount: 31})
	require.NoError(t, err)
	assert.Equal(t, 31, part.(*PartitionConsistentHash).PartitionCount())

	_, err = New("modulo", addrs("n1"), 2, Options{})
	assert.Error(t, err)

	_, err = New(KindRing, addrs("n1"), 0, Options{})
	assert.Error(t, err)
}
