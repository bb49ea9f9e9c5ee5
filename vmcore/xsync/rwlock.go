// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

// Package xsync provides data-owning synchronization wrappers for the
// runtime's process-wide resources (§ locking discipline: mem-map table,
// oat registry, profiler instance, JIT code cache, transaction log).
package xsync // import "github.com/dexvm/dexrt/vmcore/xsync"

import "sync"

// RWMutex is a thin wrapper around sync.RWMutex that hides away the data
// it protects to ensure it's not accidentally accessed without actually
// holding the lock.
//
// Given Go's weak type system it's not able to provide perfect safety,
// but it clearly communicates which resources are protected by which lock
// without having to sift through documentation.
type RWMutex[T any] struct {
	guarded T
	mutex   sync.RWMutex
}

// NewRWMutex creates a new read-write mutex protecting guarded.
func NewRWMutex[T any](guarded T) RWMutex[T] {
	return RWMutex[T]{guarded: guarded}
}

// RLock locks the mutex for reading, returning a pointer to the protected
// data. The caller must not write through the returned pointer and must
// not let it escape the locking scope.
func (mtx *RWMutex[T]) RLock() *T {
	mtx.mutex.RLock()
	return &mtx.guarded
}

// RUnlock unlocks the mutex after RLock. Pass a reference to the pointer
// returned from RLock to ensure it is invalidated.
func (mtx *RWMutex[T]) RUnlock(ref **T) {
	*ref = nil
	mtx.mutex.RUnlock()
}

// WLock locks the mutex for writing, returning a pointer to the protected
// data. The pointer must not escape the locking scope.
func (mtx *RWMutex[T]) WLock() *T {
	mtx.mutex.Lock()
	return &mtx.guarded
}

// WUnlock unlocks the mutex after WLock. Pass a reference to the pointer
// returned from WLock to ensure it is invalidated.
func (mtx *RWMutex[T]) WUnlock(ref **T) {
	*ref = nil
	mtx.mutex.Unlock()
}
