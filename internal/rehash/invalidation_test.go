package rehash

import (
	"fmt"
	"testing"

	"github.com/devrev/distcache/internal/algorithm"
	"github.com/devrev/distcache/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestGetInvalidHolders_FormerOwnerOnly(t *testing.T) {
	oldCH := newFixedHash([]model.Address{"A", "B", "C"}, map[string][]model.Address{"k": {"A", "B"}})
	newCH := newFixedHash([]model.Address{"A", "B", "C"}, map[string][]model.Address{"k": {"B", "C"}})

	assert.Equal(t, []model.Address{"A"}, GetInvalidHolders("k", oldCH, newCH, 2))
}

func TestGetInvalidHolders_DepartedMemberExcluded(t *testing.T) {
	oldCH := newFixedHash([]model.Address{"A", "B", "C"}, map[string][]model.Address{"k": {"A", "B"}})
	newCH := newFixedHash([]model.Address{"B", "C"}, map[string][]model.Address{"k": {"B", "C"}})

	assert.Empty(t, GetInvalidHolders("k", oldCH, newCH, 2))
}

func TestGetInvalidHolders_RingRemoval(t *testing.T) {
	members := []model.Address{"n1", "n2", "n3", "n4"}
	oldCH := algorithm.NewDefaultConsistentHash(members, 2, 0)
	newCH := algorithm.NewDefaultConsistentHash(members[:3], 2, 0)

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%d", i)
		holders := GetInvalidHolders(key, oldCH, newCH, 2)
		newOwners := newCH.Locate(key, 2)
		for _, h := range holders {
			assert.NotEqual(t, model.Address("n4"), h)
			assert.NotContains(t, newOwners, h)
			assert.Contains(t, oldCH.Locate(key, 2), h)
		}
	}
}
