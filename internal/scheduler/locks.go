package scheduler

import "sync"

// RepoLocks 按仓库分配的互斥锁
//
// 不同仓库互不阻塞，同一仓库的提交与运维停止串行执行。
type RepoLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRepoLocks 创建仓库锁表
func NewRepoLocks() *RepoLocks {
	return &RepoLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock 获取仓库锁，返回解锁函数
func (l *RepoLocks) Lock(repositoryID string) (unlock func()) {
	l.mu.Lock()
	m, ok := l.locks[repositoryID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[repositoryID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
