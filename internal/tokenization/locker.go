package tokenization

import (
	"context"
	"sync"
)

// Unlock 释放通过 Locker 获得的锁。
type Unlock func()

// Locker 提供按键互斥。
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// KeyedLocker 是进程内的按键互斥锁，空闲的键会被回收。
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// NewKeyedLocker 创建 KeyedLocker。
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyLock)}
}

var _ Locker = (*KeyedLocker)(nil)

// Lock 阻塞直到获得 key 的锁或 ctx 结束。
func (l *KeyedLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.release(key, kl)
		})
	}, nil
}

func (l *KeyedLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// Len 返回当前被持有或等待的键数量。
func (l *KeyedLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
