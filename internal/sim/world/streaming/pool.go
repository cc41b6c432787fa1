package streaming

import "sync"

// Pool runs load tasks on a fixed set of workers. Submission never blocks:
// when every worker is busy and the queue is full the caller keeps the task
// and retries later.
type Pool struct {
	jobs   chan func()
	inline bool

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts workers goroutines with a queue of the given depth. With
// workers <= 0 tasks run synchronously inside TrySubmit.
func NewPool(workers, queue int) *Pool {
	if workers <= 0 {
		return &Pool{inline: true}
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{jobs: make(chan func(), queue)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for fn := range p.jobs {
		fn()
	}
}

func (p *Pool) TrySubmit(fn func()) bool {
	if p.inline {
		p.mu.RLock()
		closed := p.closed
		p.mu.RUnlock()
		if closed {
			return false
		}
		fn()
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- fn:
		return true
	default:
		return false
	}
}

// Close stops accepting work and waits for queued tasks to drain.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		if p.jobs != nil {
			close(p.jobs)
		}
	}
	p.mu.Unlock()
	p.wg.Wait()
}
