package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"chat-auth-guard/internal/config"
)

type BucketingManager struct {
	recordBuckets int
	hasherPool    sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return NewBucketingManagerWithBuckets(cfg.Bucketing.RecordBuckets)
}

func NewBucketingManagerWithBuckets(recordBuckets int) *BucketingManager {
	bm := &BucketingManager{recordBuckets: max(recordBuckets, 1)}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// RecordBucket returns the partition bucket (0 to recordBuckets-1) for a
// rate limit record. Scope is part of the hash so an address and an
// identifier with the same text land independently.
func (bm *BucketingManager) RecordBucket(scope, key string) int {
	return bm.getBucket(scope+":"+key, bm.recordBuckets)
}

// RecordBuckets returns the number of record buckets
func (bm *BucketingManager) RecordBuckets() int {
	return bm.recordBuckets
}

// DateBucket returns the UTC day of t, used for daily index names
func (bm *BucketingManager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006.01.02")
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}
