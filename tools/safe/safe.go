package safe

import (
	"IMCore/logger"
)

// Go starts a goroutine that recovers from panic so a single
// connection or consumer cannot take the process down.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] panic recovered: %v", r)
			}
		}()
		f()
	}()
}

// GoLoop restarts f until stop is closed; used by long-lived consumers.
func GoLoop(stop <-chan struct{}, f func()) {
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Errorf("[safe.GoLoop] panic recovered: %v", r)
					}
				}()
				f()
			}()
		}
	}()
}
