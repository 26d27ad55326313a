package execution

import (
	"strconv"
	"sync"

	"github.com/ramiqadoumi/flowbus/internal/domain"
)

// keyedMutex hands out one mutex per key and forgets it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
}

func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	l := k.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	l.Unlock()
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// reportedSet remembers which abandonments were already reported. A key
// combines execution ID and last update so a re-abandoned execution is
// reported again.
type reportedSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newReportedSet() *reportedSet {
	return &reportedSet{seen: make(map[string]struct{})}
}

// retain replaces the set with the keys of stale and returns the executions
// not seen before.
func (r *reportedSet) retain(stale []*domain.Execution) []*domain.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]struct{}, len(stale))
	var fresh []*domain.Execution
	for _, e := range stale {
		key := e.ID + "@" + strconv.FormatInt(e.UpdatedAt.UnixNano(), 10)
		next[key] = struct{}{}
		if _, ok := r.seen[key]; !ok {
			fresh = append(fresh, e)
		}
	}
	r.seen = next
	return fresh
}
