package tasks

import (
	"sort"
	"sync"
)

// ResourceLockManager provides per-resource mutual exclusion for concurrent
// task actions. Each key (a build directory, a service name) gets its own
// mutex, so unrelated resources never block each other.
type ResourceLockManager struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-resource mutexes
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for key, creating it on first access.
func (r *ResourceLockManager) Lock(key string) {
	r.mu.Lock()
	lock, exists := r.locks[key]
	if !exists {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	r.mu.Unlock()

	// Acquire outside the manager lock to avoid contention
	lock.Lock()
}

// Unlock releases the mutex for key.
func (r *ResourceLockManager) Unlock(key string) {
	r.mu.Lock()
	lock, exists := r.locks[key]
	r.mu.Unlock()

	if exists {
		lock.Unlock()
	}
}

// LockAll acquires the locks for all keys in sorted order, so two callers
// with overlapping key sets cannot deadlock.
func (r *ResourceLockManager) LockAll(keys []string) {
	for _, key := range sortedCopy(keys) {
		r.Lock(key)
	}
}

// UnlockAll releases the locks for all keys in reverse sorted order.
func (r *ResourceLockManager) UnlockAll(keys []string) {
	sorted := sortedCopy(keys)
	for i := len(sorted) - 1; i >= 0; i-- {
		r.Unlock(sorted[i])
	}
}

func sortedCopy(keys []string) []string {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	return sorted
}
