package runner

import (
	"fmt"
	"runtime"
	"sync"
)

// workerPool is a fixed set of goroutines that run the blocks of one color.
// It is created once per Runner and reused by every invocation.
type workerPool struct {
	workers int
	tasks   chan poolTask
	closing sync.Once
}

type poolTask struct {
	fn   func(worker, i int) error
	i    int
	done *sync.WaitGroup
	errs *taskErrors
}

type taskErrors struct {
	mu    sync.Mutex
	first error
}

func (te *taskErrors) set(err error) {
	te.mu.Lock()
	defer te.mu.Unlock()
	if te.first == nil {
		te.first = err
	}
}

// parallelDegree resolves a requested worker count, 0 meaning one per CPU
func parallelDegree(requested int) int {
	if requested > 0 {
		return requested
	}
	return runtime.NumCPU()
}

func newWorkerPool(workers int) *workerPool {
	p := &workerPool{
		workers: workers,
		tasks:   make(chan poolTask, workers),
	}
	for w := 0; w < workers; w++ {
		go p.loop(w)
	}
	return p
}

func (p *workerPool) loop(worker int) {
	for t := range p.tasks {
		p.exec(worker, t)
	}
}

func (p *workerPool) exec(worker int, t poolTask) {
	defer t.done.Done()
	defer func() {
		if r := recover(); r != nil {
			t.errs.set(fmt.Errorf("task %d panicked: %v", t.i, r))
		}
	}()
	if err := t.fn(worker, t.i); err != nil {
		t.errs.set(err)
	}
}

// run executes fn for i in [0, n) on the pool and waits for all of them.
// The order in which tasks run is unspecified.
func (p *workerPool) run(n int, fn func(worker, i int) error) error {
	if n == 0 {
		return nil
	}
	var (
		wg   sync.WaitGroup
		errs taskErrors
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		p.tasks <- poolTask{fn: fn, i: i, done: &wg, errs: &errs}
	}
	wg.Wait()
	return errs.first
}

func (p *workerPool) close() {
	p.closing.Do(func() { close(p.tasks) })
}
