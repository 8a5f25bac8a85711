package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

var ErrUnknownPool = errors.New("pool buffer not registered")

// LocalSource keeps one Buffer per pool. Samples arrive from the feed
// goroutine while the orchestrator reads, so access is serialized.
type LocalSource struct {
	now func() time.Time

	mu      sync.Mutex
	buffers map[string]*Buffer
}

func NewLocalSource(now func() time.Time) *LocalSource {
	if now == nil {
		now = time.Now
	}
	return &LocalSource{now: now, buffers: make(map[string]*Buffer)}
}

func (l *LocalSource) Register(pool string, capacity int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if buf, ok := l.buffers[pool]; ok && buf.Cap() == capacity {
		return nil
	}
	buf, err := NewBuffer(capacity)
	if err != nil {
		return err
	}
	l.buffers[pool] = buf
	return nil
}

func (l *LocalSource) Restore(pool string, buf *Buffer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffers[pool] = buf
}

func (l *LocalSource) Push(pool string, sample Sample) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf, ok := l.buffers[pool]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, pool)
	}
	return buf.Push(sample)
}

func (l *LocalSource) Encode(pool string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf, ok := l.buffers[pool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, pool)
	}
	return buf.MarshalBinary()
}

func (l *LocalSource) Len(pool string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if buf, ok := l.buffers[pool]; ok {
		return buf.Len()
	}
	return 0
}

func (l *LocalSource) TWAP(ctx context.Context, pool PoolRef, window time.Duration) (*uint256.Int, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	buf, ok := l.buffers[pool.ID]
	if !ok {
		return nil, unavailable(pool.ID, ErrUnknownPool)
	}
	price, err := buf.TWAP(l.now().Unix(), int64(window/time.Second))
	if err != nil {
		return nil, unavailable(pool.ID, err)
	}
	return price, nil
}

func (l *LocalSource) Spot(ctx context.Context, pool PoolRef) (*uint256.Int, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	buf, ok := l.buffers[pool.ID]
	if !ok {
		return nil, unavailable(pool.ID, ErrUnknownPool)
	}
	last, ok := buf.Latest()
	if !ok {
		return nil, unavailable(pool.ID, errors.New("buffer empty"))
	}
	return new(uint256.Int).Set(last.Price), nil
}
