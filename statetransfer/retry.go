package statetransfer

import (
	"sync"
	"time"
)

// retryTicker re-arms a single-shot timer; firing enqueues a retry message
// on the manager's inbox.
type retryTicker struct {
	mtx      sync.Mutex
	timer    *time.Timer
	interval time.Duration
	fire     func()
}

func newRetryTicker(interval time.Duration, fire func()) *retryTicker {
	return &retryTicker{interval: interval, fire: fire}
}

// Reset arms the ticker for one more round.
func (rt *retryTicker) Reset() {
	rt.mtx.Lock()
	defer rt.mtx.Unlock()

	if rt.timer != nil {
		rt.timer.Stop()
	}
	rt.timer = time.AfterFunc(rt.interval, rt.fire)
}

// Stop cancels any armed round.
func (rt *retryTicker) Stop() {
	rt.mtx.Lock()
	defer rt.mtx.Unlock()

	if rt.timer != nil {
		rt.timer.Stop()
		rt.timer = nil
	}
}
