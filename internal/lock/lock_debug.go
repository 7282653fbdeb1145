//go:build lockdebug

package lock

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

// The patch store holds its lock across writes into frozen processes.
const selfDeadlockTimeout = 60 * time.Second

func init() {
	deadlock.Opts.DeadlockTimeout = selfDeadlockTimeout
}

type internalMutex struct {
	deadlock.Mutex
}

type internalRWMutex struct {
	deadlock.RWMutex
}
