// Package partition assigns tenants to scheduler members with a consistent
// hash ring, so each tenant's due sequences have a single logical owner.
package partition

import (
	"sort"
	"strconv"
	"sync"

	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash/v2"
)

type member string

func (m member) String() string { return string(m) }

type hasher struct{}

func (hasher) Sum64(data []byte) uint64 { return xxhash.Sum64(data) }

// Ring maps tenants to partitions and partitions to members. It is safe for
// concurrent use; SetMembers rebuilds the ring when membership changes.
type Ring struct {
	mu      sync.RWMutex
	self    string
	cfg     consistent.Config
	ring    *consistent.Consistent
	members []string
}

// NewRing builds a ring for self plus the given peers. partitionCount should
// stay fixed across a deployment.
func NewRing(self string, members []string, partitionCount int) *Ring {
	if partitionCount <= 0 {
		partitionCount = 71
	}
	r := &Ring{
		self: self,
		cfg: consistent.Config{
			PartitionCount:    partitionCount,
			ReplicationFactor: 20,
			Load:              1.25,
			Hasher:            hasher{},
		},
	}
	r.SetMembers(members)
	return r
}

// SetMembers replaces the member list. self is always a member. It reports
// whether the ring changed.
func (r *Ring) SetMembers(members []string) bool {
	next := normalize(r.self, members)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ring != nil && equal(next, r.members) {
		return false
	}
	ms := make([]consistent.Member, 0, len(next))
	for _, m := range next {
		ms = append(ms, member(m))
	}
	r.ring = consistent.New(ms, r.cfg)
	r.members = next
	return true
}

// Members returns the current member list, sorted.
func (r *Ring) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.members...)
}

// Partition returns the partition a tenant hashes to.
func (r *Ring) Partition(tenant string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ring.FindPartitionID([]byte(tenant))
}

// Owner returns the member responsible for tenant.
func (r *Ring) Owner(tenant string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.ring.LocateKey([]byte(tenant))
	if m == nil {
		return ""
	}
	return m.String()
}

// Owns reports whether self is responsible for tenant.
func (r *Ring) Owns(tenant string) bool {
	return r.Owner(tenant) == r.self
}

// LockName is the lease name guarding one partition.
func LockName(partition int) string {
	return "sequences:partition:" + strconv.Itoa(partition)
}

func normalize(self string, members []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(members)+1)
	for _, m := range append([]string{self}, members...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
