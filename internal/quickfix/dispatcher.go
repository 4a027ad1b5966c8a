package quickfix

import (
	"context"
	"sync"
)

// Dispatcher runs posted functions one at a time, in the order they were
// posted, on the goroutine calling Do. Post never blocks.
type Dispatcher struct {
	mx      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		wake: make(chan struct{}, 1),
	}
}

// Post queues fn. It returns false if the dispatcher has already stopped and
// fn will never run.
func (d *Dispatcher) Post(fn func()) bool {
	d.mx.Lock()
	if d.stopped {
		d.mx.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mx.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of queued functions.
func (d *Dispatcher) Len() int {
	d.mx.Lock()
	defer d.mx.Unlock()
	return len(d.queue)
}

// Do runs queued functions until ctx is done and returns ctx.Err(). Functions
// still queued at that moment are dropped and later Post calls return false.
func (d *Dispatcher) Do(ctx context.Context) error {
	defer d.stop()
	for {
		for {
			fn, ok := d.pop()
			if !ok {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			fn()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) pop() (func(), bool) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if len(d.queue) == 0 {
		return nil, false
	}
	fn := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return fn, true
}

func (d *Dispatcher) stop() {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.stopped = true
	d.queue = nil
}
