package service

import (
	"context"
	"sync"

	"github.com/iliyamo/platform-auth/internal/model"
)

type ctxKey int

const identityKey ctxKey = iota

// WithIdentity attaches an admitted identity to ctx for downstream handlers.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the identity attached by WithIdentity.
func IdentityFromContext(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(identityKey).(model.Identity)
	return id, ok
}

// identityLocks hands out one mutex per identity id so writes for the same
// identity are linearized while different identities proceed in parallel.
// Entries are reference counted and dropped once unused.
type identityLocks struct {
	mu sync.Mutex
	m  map[uint64]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (l *identityLocks) lock(id uint64) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[uint64]*lockEntry)
	}
	e, ok := l.m[id]
	if !ok {
		e = &lockEntry{}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
