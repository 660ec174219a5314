package bucketing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordBucket_StableAndInRange(t *testing.T) {
	bm := NewBucketingManagerWithBuckets(64)

	for i := range 1000 {
		key := fmt.Sprintf("user%d@example.com", i)
		b := bm.RecordBucket("identifier", key)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 64)
		assert.Equal(t, b, bm.RecordBucket("identifier", key))
	}
}

func TestRecordBucket_Spread(t *testing.T) {
	bm := NewBucketingManagerWithBuckets(16)

	seen := make(map[int]bool)
	for i := range 500 {
		seen[bm.RecordBucket("address", fmt.Sprintf("10.0.%d.%d", i/256, i%256))] = true
	}
	assert.Len(t, seen, 16)
}

func TestNewBucketingManager_ClampsBuckets(t *testing.T) {
	bm := NewBucketingManagerWithBuckets(0)
	assert.Equal(t, 1, bm.RecordBuckets())
	assert.Zero(t, bm.RecordBucket("identifier", "a@x.com"))
}

func TestDateBucket(t *testing.T) {
	bm := NewBucketingManagerWithBuckets(1)
	ts := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("X", -2*3600))
	assert.Equal(t, "2026.03.02", bm.DateBucket(ts))
}
