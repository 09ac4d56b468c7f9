package bucketstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// ErrNoSuchBucket is returned when a bucket was requested that does not exist.
// Use CreateWaitForBucket to create a bucket if it does not exist.
var ErrNoSuchBucket = errors.New("bucket does not exist, use CreateWaitForBucket instead")

// Bucket grants at most one waiter per interval. Waiters queue on a channel
// so grants are handed out in arrival order and waits honour context
// cancellation.
type Bucket struct {
	lock chan struct{}

	interval  time.Duration
	lastGrant *atomic.Int64
}

// NewBucket creates a bucket granting one waiter per interval.
func NewBucket(interval time.Duration) *Bucket {
	return &Bucket{
		lock: make(chan struct{}, 1),

		interval:  interval,
		lastGrant: &atomic.Int64{},
	}
}

// Wait blocks until the bucket grants a slot or the context is cancelled.
// The grant time is recorded before the caller is released.
func (b *Bucket) Wait(ctx context.Context) error {
	select {
	case b.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	defer func() {
		<-b.lock
	}()

	nextGrant := time.Unix(0, b.lastGrant.Load()).Add(b.interval)

	if wait := time.Until(nextGrant); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.lastGrant.Store(time.Now().UnixNano())

	return nil
}

// LastGrant returns when the bucket last granted a slot.
func (b *Bucket) LastGrant() time.Time {
	return time.Unix(0, b.lastGrant.Load())
}

// BucketStore manages a set of named buckets.
type BucketStore struct {
	bucketsMu sync.RWMutex
	buckets   map[string]*Bucket
}

// NewBucketStore creates a new bucket store.
func NewBucketStore() *BucketStore {
	return &BucketStore{
		buckets: make(map[string]*Bucket),
	}
}

// CreateBucket creates a bucket if it does not exist and returns it.
// An existing bucket keeps its grant history.
func (bs *BucketStore) CreateBucket(name string, interval time.Duration) *Bucket {
	bs.bucketsMu.RLock()
	bucket, ok := bs.buckets[name]
	bs.bucketsMu.RUnlock()

	if ok {
		return bucket
	}

	bs.bucketsMu.Lock()
	defer bs.bucketsMu.Unlock()

	if bucket, ok = bs.buckets[name]; ok {
		return bucket
	}

	bucket = NewBucket(interval)
	bs.buckets[name] = bucket

	return bucket
}

// WaitForBucket waits on an existing bucket.
func (bs *BucketStore) WaitForBucket(ctx context.Context, name string) error {
	bs.bucketsMu.RLock()
	bucket, ok := bs.buckets[name]
	bs.bucketsMu.RUnlock()

	if !ok {
		return ErrNoSuchBucket
	}

	return bucket.Wait(ctx)
}

// CreateWaitForBucket creates the bucket if needed and waits on it.
func (bs *BucketStore) CreateWaitForBucket(ctx context.Context, name string, interval time.Duration) error {
	return bs.CreateBucket(name, interval).Wait(ctx)
}
