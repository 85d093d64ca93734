package forest

import (
	"errors"
	"fmt"
	"sync"
)

// pool is a fixed set of goroutines fed through a job channel. It lives for a
// single parallel fit and executes rounds of tasks separated by barriers.
type pool struct {
	jobs chan func()
	wg   sync.WaitGroup
}

func newPool(workers int) *pool {
	p := &pool{jobs: make(chan func(), workers)}
	for i := 0; i < workers; i++ {
		go func() {
			for job := range p.jobs {
				job()
			}
		}()
	}
	return p
}

// run dispatches every task and blocks until all of them have returned. Task
// errors and panics are collected and joined.
func (p *pool) run(tasks []func() error) error {
	errs := make([]error, len(tasks))
	p.wg.Add(len(tasks))
	for i, task := range tasks {
		i, task := i, task
		p.jobs <- func() {
			defer p.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("task %d panicked: %v", i, r)
				}
			}()
			errs[i] = task()
		}
	}
	p.wg.Wait()
	return errors.Join(errs...)
}

func (p *pool) close() { close(p.jobs) }
