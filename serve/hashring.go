package serve

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ConsistentHash maps keys onto named buckets with minimal redistribution when
// the bucket set changes: adding or removing one bucket remaps roughly 1/n of
// the key space. Each bucket is placed at `replicas` virtual points on a
// 64-bit xxhash ring; lookups take the first point clockwise from the key.
type ConsistentHash struct {
	mu       sync.RWMutex
	replicas int
	ring     []uint64          // sorted virtual points
	owner    map[uint64]string // virtual point → bucket
	buckets  map[string]struct{}
}

// DefaultHashReplicas is the virtual-node count used when replicas <= 0.
// More replicas smooth the distribution at the cost of lookup table size.
const DefaultHashReplicas = 100

// NewConsistentHash creates an empty ring with the given virtual-node count.
func NewConsistentHash(replicas int) *ConsistentHash {
	if replicas <= 0 {
		replicas = DefaultHashReplicas
	}
	return &ConsistentHash{
		replicas: replicas,
		owner:    make(map[uint64]string),
		buckets:  make(map[string]struct{}),
	}
}

// Add places bucket on the ring. Adding an existing bucket is a no-op.
func (c *ConsistentHash) Add(bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.buckets[bucket]; ok {
		return
	}
	c.buckets[bucket] = struct{}{}
	for i := 0; i < c.replicas; i++ {
		point := xxhash.Sum64String(virtualName(bucket, i))
		c.owner[point] = bucket
		c.ring = append(c.ring, point)
	}
	sort.Slice(c.ring, func(i, j int) bool { return c.ring[i] < c.ring[j] })
}

// Remove takes bucket off the ring. Removing an absent bucket is a no-op.
func (c *ConsistentHash) Remove(bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.buckets[bucket]; !ok {
		return
	}
	delete(c.buckets, bucket)
	kept := c.ring[:0]
	for _, point := range c.ring {
		if c.owner[point] == bucket {
			delete(c.owner, point)
			continue
		}
		kept = append(kept, point)
	}
	c.ring = kept
}

// Get returns the bucket owning key, or false if the ring is empty.
// The same key always maps to the same bucket for a fixed bucket set.
func (c *ConsistentHash) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.ring) == 0 {
		return "", false
	}
	point := xxhash.Sum64String(key)
	i := sort.Search(len(c.ring), func(i int) bool { return c.ring[i] >= point })
	if i == len(c.ring) {
		i = 0 // wrap around
	}
	return c.owner[c.ring[i]], true
}

// Buckets returns the current bucket set, sorted.
func (c *ConsistentHash) Buckets() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.buckets))
	for b := range c.buckets {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of buckets on the ring.
func (c *ConsistentHash) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buckets)
}

func virtualName(bucket string, i int) string {
	return fmt.Sprintf("%s#%d", bucket, i)
}
