package safe

import (
	"TratoChat/logger"
)

// Go starts a goroutine that recovers from panic so a single worker
// cannot take the process down. The name shows up in the recovery log.
func Go(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] %s panic recovered: %v", name, r)
			}
		}()
		f()
	}()
}

// Run executes f inline with panic recovery. Used by actor loops that
// must survive a bad handler without losing the mailbox goroutine.
func Run(name string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[safe.Run] %s panic recovered: %v", name, r)
		}
	}()
	f()
}
