// Package syncutil provides named mutexes.
package syncutil

import "sync"

// KeyedMutex hands out one mutex per key. Keys are never forgotten, which
// is fine for bounded key spaces such as user or device identities.
// The zero value is ready to use.
type KeyedMutex struct {
	locks sync.Map // key -> *sync.Mutex
}

// Lock locks the mutex for key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	v, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// With runs fn while holding the mutex for key.
func (k *KeyedMutex) With(key string, fn func()) {
	unlock := k.Lock(key)
	defer unlock()
	fn()
}
