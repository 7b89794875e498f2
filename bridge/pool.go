package bridge

import (
	"sync"
)

// Call is a future for one broker request dispatched onto the pool.
type Call struct {
	done chan struct{}
	err  error
}

// Done is closed when the call completes.
func (c *Call) Done() <-chan struct{} { return c.done }

// Err blocks until the call completes and returns its error.
func (c *Call) Err() error {
	<-c.done
	return c.err
}

// pool runs blocking broker calls on a fixed set of workers, capping
// concurrent requests so one slow endpoint cannot starve unrelated
// operations of goroutines.
type pool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

func newPool(workers int) *pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	p := &pool{tasks: make(chan func(), workers*8)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// do dispatches fn and returns a future immediately.
func (p *pool) do(fn func() error) *Call {
	c := &Call{done: make(chan struct{})}
	p.tasks <- func() {
		c.err = fn()
		close(c.done)
	}
	return c
}

// stop drains the pool: no new tasks, wait for in-flight calls.
func (p *pool) stop() {
	p.once.Do(func() { close(p.tasks) })
	p.wg.Wait()
}
