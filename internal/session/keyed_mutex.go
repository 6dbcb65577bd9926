package session

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// keyedMutex serializes work per key. Keys are spread over shards so
// unrelated sessions never contend on one map lock.
type keyedMutex struct {
	shards [lockShards]lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	k := &keyedMutex{}
	for i := range k.shards {
		k.shards[i].locks = make(map[string]*refLock)
	}
	return k
}

// Lock acquires the lock for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	shard := k.shard(key)
	shard.mu.Lock()
	l, ok := shard.locks[key]
	if !ok {
		l = &refLock{}
		shard.locks[key] = l
	}
	l.refs++
	shard.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		shard.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(shard.locks, key)
		}
		shard.mu.Unlock()
	}
}

func (k *keyedMutex) shard(key string) *lockShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &k.shards[h.Sum32()%lockShards]
}
