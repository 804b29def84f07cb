package buildlock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var _ Locker = (*MemoryLocker)(nil)

// MemoryLocker is a Locker for a single engine instance.
type MemoryLocker struct {
	waitTime time.Duration

	mu   sync.Mutex
	held map[string]chan struct{} // closed on release
}

// NewMemoryLocker returns a MemoryLocker.
// If waitTime is zero, DefaultWaitTime is used.
func NewMemoryLocker(waitTime time.Duration) *MemoryLocker {
	if waitTime == 0 {
		waitTime = DefaultWaitTime
	}
	return &MemoryLocker{
		waitTime: waitTime,
		held:     make(map[string]chan struct{}),
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, l.waitTime)
	defer cancel()

	for {
		l.mu.Lock()
		releasedCh, ok := l.held[key]
		if !ok {
			releasedCh = make(chan struct{})
			l.held[key] = releasedCh
			l.mu.Unlock()
			return l.releaseFunc(key, releasedCh), nil
		}
		l.mu.Unlock()

		select {
		case <-releasedCh:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		}
	}
}

func (l *MemoryLocker) releaseFunc(key string, releasedCh chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
			close(releasedCh)
		})
	}
}
