// Package eventloop runs callbacks one at a time, in the order they were posted.
// Each execution context of the relay (page, port end) owns one loop so its
// handlers never run concurrently with each other.
package eventloop

import "sync"

// Loop is an unbounded, ordered callback queue drained by a single goroutine.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// New starts a loop
func New() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Post queues fn. It returns false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops the loop. Callbacks still queued are discarded; a callback
// already running is allowed to finish unless Close is called from it.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()

	close(l.done)
}

// Wait blocks until the loop goroutine has exited
func (l *Loop) Wait() {
	l.wg.Wait()
}

func (l *Loop) run() {
	defer l.wg.Done()

	for {
		select {
		case <-l.wake:
		case <-l.done:
			return
		}

		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			fn()
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}
