package partition

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSingleMemberOwnsEverything(t *testing.T) {
	r := NewRing("worker-a", nil, 0)
	for i := 0; i < 50; i++ {
		assert.True(t, r.Owns(fmt.Sprintf("tenant-%d", i)))
	}
	assert.Equal(t, []string{"worker-a"}, r.Members())
}

func TestOwnershipIsExclusiveAndStable(t *testing.T) {
	members := []string{"worker-a", "worker-b", "worker-c"}
	rings := map[string]*Ring{}
	for _, m := range members {
		rings[m] = NewRing(m, members, 71)
	}

	for i := 0; i < 200; i++ {
		tenant := fmt.Sprintf("tenant-%d", i)
		owners := 0
		for _, r := range rings {
			if r.Owns(tenant) {
				owners++
			}
		}
		assert.Equal(t, 1, owners, tenant)
		assert.Equal(t, rings["worker-a"].Owner(tenant), rings["worker-b"].Owner(tenant))
		assert.Equal(t, rings["worker-a"].Partition(tenant), rings["worker-c"].Partition(tenant))
	}
}

func TestSetMembers(t *testing.T) {
	r := NewRing("worker-a", []string{"worker-b"}, 71)
	assert.False(t, r.SetMembers([]string{"worker-b", "worker-a"}), "same set in another order")
	assert.True(t, r.SetMembers(nil))
	assert.Equal(t, []string{"worker-a"}, r.Members())
	assert.True(t, r.Owns("tenant-1"))
}

func TestLockName(t *testing.T) {
	assert.Equal(t, "sequences:partition:7", LockName(7))
}
