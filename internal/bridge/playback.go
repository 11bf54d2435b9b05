package bridge

import (
	"sync"
	"time"
)

// playbackBarrier implements the "send a mark, wait for its echo or a
// timeout" pattern used to keep a side effect from stepping on the tail of
// the model's last audio frame: a mutex-guarded single-shot latch armed by
// a timer, resolved either by the expected event or by expiry, whichever
// is first.
type playbackBarrier struct {
	mu       sync.Mutex
	pending  map[string]*pendingMark
}

type pendingMark struct {
	resolve sync.Once
	done    chan struct{}
	timer   *time.Timer
}

func newPlaybackBarrier() *playbackBarrier {
	return &playbackBarrier{pending: make(map[string]*pendingMark)}
}

// Arm registers a pending mark by name and starts its timeout. It returns
// false if a mark with that name is already pending (single-shot: a second
// request while one is in flight is a silent no-op).
func (b *playbackBarrier) Arm(name string, timeout time.Duration) (wait <-chan struct{}, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.pending[name]; exists {
		return nil, false
	}
	pm := &pendingMark{done: make(chan struct{})}
	pm.timer = time.AfterFunc(timeout, func() { b.resolve(name) })
	b.pending[name] = pm
	return pm.done, true
}

// Echo resolves the named mark if one is pending, as if the carrier had
// echoed it back.
func (b *playbackBarrier) Echo(name string) {
	b.resolve(name)
}

func (b *playbackBarrier) resolve(name string) {
	b.mu.Lock()
	pm := b.pending[name]
	if pm == nil {
		b.mu.Unlock()
		return
	}
	delete(b.pending, name)
	b.mu.Unlock()

	pm.resolve.Do(func() {
		pm.timer.Stop()
		close(pm.done)
	})
}

// Cancel stops every pending mark without resolving its waiters' channels
// (used on teardown). A handler still waiting on one proceeds once its own
// timeout expires.
func (b *playbackBarrier) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, pm := range b.pending {
		pm.timer.Stop()
		delete(b.pending, name)
	}
}
