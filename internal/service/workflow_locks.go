package service

import (
	"context"
	"sync"
)

// workflowLocks serializes mutations per workflow ID. Different IDs never
// contend. Entries are dropped when the last holder or waiter leaves.
type workflowLocks struct {
	mu    sync.Mutex
	locks map[string]*workflowLock
}

type workflowLock struct {
	ch   chan struct{}
	refs int
}

func newWorkflowLocks() *workflowLocks {
	return &workflowLocks{locks: make(map[string]*workflowLock)}
}

// Lock waits for the workflow's lock or for ctx to end.
func (l *workflowLocks) Lock(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &workflowLock{ch: make(chan struct{}, 1)}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
		return func() {
			<-lk.ch
			l.release(id, lk)
		}, nil
	case <-ctx.Done():
		l.release(id, lk)
		return nil, ctx.Err()
	}
}

func (l *workflowLocks) release(id string, lk *workflowLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, id)
	}
}
