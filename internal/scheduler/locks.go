package scheduler

import (
	"context"
	"sync"
)

// Locks 为每条指令提供互斥：同一指令的评估执行与取消串行化，
// 互不相关的指令可以并行处理。
type Locks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewLocks 创建锁注册表。
func NewLocks() *Locks {
	return &Locks{held: make(map[string]chan struct{})}
}

// TryAcquire 非阻塞抢锁，失败表示该指令正被评估或取消。
func (l *Locks) TryAcquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[id]; busy {
		return false
	}
	l.held[id] = make(chan struct{})
	return true
}

// Acquire 阻塞抢锁，取消路径使用：要么等评估结束再取消，
// 要么先取消让评估读到终态直接跳过。
func (l *Locks) Acquire(ctx context.Context, id string) error {
	for {
		l.mu.Lock()
		done, busy := l.held[id]
		if !busy {
			l.held[id] = make(chan struct{})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
	}
}

// Release 释放锁并唤醒等待者。
func (l *Locks) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if done, ok := l.held[id]; ok {
		close(done)
		delete(l.held, id)
	}
}
