package gc

import "sync"

// TaskPool runs collector tasks on a fixed set of worker goroutines.
//
// Worker ids are stable: the goroutine that calls into the collector is id 0
// and pool workers are ids 1..n. A pool built with one worker runs every task
// inline on the caller, which makes a collection fully deterministic.
type TaskPool struct {
	workers int

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func(tid int)
	running int
	idle    int
	closed  bool
	wg      sync.WaitGroup
}

// NewTaskPool starts workers goroutines. workers <= 1 yields an inline pool.
func NewTaskPool(workers int) *TaskPool {
	p := &TaskPool{workers: workers}
	p.cond = sync.NewCond(&p.mu)
	if workers <= 1 {
		p.workers = 1
		return p
	}
	for tid := 1; tid <= workers; tid++ {
		p.wg.Add(1)
		go p.loop(tid)
	}
	return p
}

// Inline reports whether tasks run on the posting goroutine.
func (p *TaskPool) Inline() bool { return p.workers == 1 }

// Slots is the number of distinct worker ids, including the caller's id 0.
func (p *TaskPool) Slots() int {
	if p.Inline() {
		return 1
	}
	return p.workers + 1
}

// Workers is the number of tasks that can run at once.
func (p *TaskPool) Workers() int { return p.workers }

func (p *TaskPool) loop(tid int) {
	defer p.wg.Done()
	p.mu.Lock()
	for {
		for len(p.tasks) == 0 && !p.closed {
			p.idle++
			p.cond.Wait()
			p.idle--
		}
		if p.closed && len(p.tasks) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.tasks[0]
		p.tasks[0] = nil
		p.tasks = p.tasks[1:]
		p.running++
		p.mu.Unlock()

		task(tid)

		p.mu.Lock()
		p.running--
		if p.running == 0 && len(p.tasks) == 0 {
			p.cond.Broadcast()
		}
	}
}

// PostTask queues task. It reports false once the pool is closed.
func (p *TaskPool) PostTask(task func(tid int)) bool {
	if p.Inline() {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return false
		}
		task(0)
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.tasks = append(p.tasks, task)
	p.cond.Broadcast()
	return true
}

// TryFanOut queues task only if a worker is idle and nothing is queued, so
// that published work is picked up without oversubscribing the pool.
func (p *TaskPool) TryFanOut(task func(tid int)) bool {
	if p.Inline() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.idle == 0 || len(p.tasks) > 0 {
		return false
	}
	p.tasks = append(p.tasks, task)
	p.cond.Broadcast()
	return true
}

// Wait blocks until every queued task has finished.
func (p *TaskPool) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.running > 0 || len(p.tasks) > 0 {
		p.cond.Wait()
	}
}

// Close stops the workers after the queued tasks have run.
func (p *TaskPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}
