// Package lock provides the mutex types used by patchbay. Building with the
// lockdebug tag swaps them for deadlock-detecting versions.
package lock

// Mutex is a mutual exclusion lock.
type Mutex struct {
	internalMutex
}

// RWMutex is a reader/writer mutual exclusion lock.
type RWMutex struct {
	internalRWMutex
}
