package trader

import (
	"context"
	"sync"
)

// Lock 是已获取的签名凭证运行锁。
type Lock interface {
	Release(ctx context.Context) error
}

// Locker 尝试获取运行锁，被占用时立即返回 ErrLockHeld。
type Locker interface {
	TryAcquire(ctx context.Context) (Lock, error)
}

// LocalLocker 只在进程内互斥，适用于单实例部署。
type LocalLocker struct {
	mu   sync.Mutex
	held bool
}

// NewLocalLocker 创建进程内运行锁。
func NewLocalLocker() *LocalLocker { return &LocalLocker{} }

// TryAcquire 实现 Locker。
func (l *LocalLocker) TryAcquire(context.Context) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, ErrLockHeld
	}
	l.held = true
	return &localLock{owner: l}, nil
}

type localLock struct {
	owner *LocalLocker
	once  sync.Once
}

func (l *localLock) Release(context.Context) error {
	l.once.Do(func() {
		l.owner.mu.Lock()
		l.owner.held = false
		l.owner.mu.Unlock()
	})
	return nil
}
