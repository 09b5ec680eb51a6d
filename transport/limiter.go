package transport

import (
	"context"
	"sync/atomic"
)

// Direction selects which token bucket gates a request.
type Direction int

const (
	// Read covers GET and HEAD.
	Read Direction = iota
	// Write covers everything else.
	Write
)

func (d Direction) String() string {
	if d == Read {
		return "read"
	}
	return "write"
}

// DirectionOf maps an HTTP method to its bucket.
func DirectionOf(method string) Direction {
	switch method {
	case "GET", "HEAD":
		return Read
	}
	return Write
}

// bucket is a counting semaphore with a live in-use count for
// observability.
type bucket struct {
	slots chan struct{}
	inUse atomic.Int64
}

func newBucket(size int) *bucket {
	return &bucket{slots: make(chan struct{}, size)}
}

// acquire blocks until a slot is free or ctx is done.
func (b *bucket) acquire(ctx context.Context) error {
	select {
	case b.slots <- struct{}{}:
		b.inUse.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *bucket) release() {
	<-b.slots
	b.inUse.Add(-1)
}

// Limiter holds the two per-direction token buckets. A token is held for
// the whole request-plus-response, across retries.
type Limiter struct {
	read  *bucket
	write *bucket
}

// NewLimiter sizes the buckets. Non-positive sizes fall back to the
// defaults of 40 reads and 80 writes.
func NewLimiter(read, write int) *Limiter {
	if read <= 0 {
		read = 40
	}
	if write <= 0 {
		write = 80
	}
	return &Limiter{read: newBucket(read), write: newBucket(write)}
}

// Acquire takes one token from the bucket for dir. The returned release
// function must be called on every exit path.
func (l *Limiter) Acquire(ctx context.Context, dir Direction) (release func(), err error) {
	b := l.read
	if dir == Write {
		b = l.write
	}
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	return b.release, nil
}

// InUse reports the live token count for a direction.
func (l *Limiter) InUse(dir Direction) int {
	if dir == Write {
		return int(l.write.inUse.Load())
	}
	return int(l.read.inUse.Load())
}
