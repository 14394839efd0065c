package enroll

import (
	"context"

	"github.com/moby/locker"
)

// SessionLocker is implemented by session stores that can serialize work on
// one session across processes.
type SessionLocker interface {
	LockSession(ctx context.Context, id string) (unlock func(), err error)
}

// sessionLocks serializes work on one session inside the process and, when
// the store is a SessionLocker, across every process sharing the store.
type sessionLocks struct {
	local  *locker.Locker
	remote SessionLocker
}

func newSessionLocks(sessions SessionStore) *sessionLocks {
	l := &sessionLocks{local: locker.New()}
	if r, ok := sessions.(SessionLocker); ok {
		l.remote = r
	}
	return l
}

func (l *sessionLocks) lock(ctx context.Context, id string) (func(), error) {
	l.local.Lock(id)
	if l.remote == nil {
		return func() { _ = l.local.Unlock(id) }, nil
	}

	release, err := l.remote.LockSession(ctx, id)
	if err != nil {
		_ = l.local.Unlock(id)
		return nil, err
	}
	return func() {
		release()
		_ = l.local.Unlock(id)
	}, nil
}
