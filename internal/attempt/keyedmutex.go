package attempt

import "sync"

// keyedMutex serializes operations per key without a global lock.
// Entries are tiny and attempts are finite per deployment, so entries
// are kept for the life of the process rather than refcounted.
type keyedMutex struct {
	mus sync.Map // key -> *sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	v, _ := k.mus.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
