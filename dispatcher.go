package cmdsock

import (
	"sync"
)

// dispatcher runs queued functions on its own goroutine, one at a time and in
// the order they were posted. Posting never blocks the caller. Clients use one
// for notifications and one for asynchronous writes.
type dispatcher struct {
	logger Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

func newDispatcher(logger Logger) *dispatcher {
	d := &dispatcher{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// post enqueues fn. It reports false if the dispatcher was stopped.
func (d *dispatcher) post(fn func()) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	d.mu.Unlock()
	return true
}

// stop rejects further posts. Notifications already queued still run, after
// which the goroutine exits and done is closed. Safe to call multiple times.
func (d *dispatcher) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.stopped {
		d.stopped = true
		close(d.wake)
	}
}

func (d *dispatcher) run() {
	defer close(d.done)

	for {
		batch, stopped := d.take()
		for _, fn := range batch {
			d.invoke(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if stopped {
			return
		}
		<-d.wake
	}
}

func (d *dispatcher) take() ([]func(), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	batch := d.queue
	d.queue = nil
	return batch, d.stopped
}

func (d *dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification panicked", "panic", r)
		}
	}()
	fn()
}
