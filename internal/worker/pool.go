// Package worker implements the fixed-size goroutine pool and the
// stage-barrier scheduler that drives a compiled physical plan to
// completion, one (stage, partition) task at a time.
package worker

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/juju/errors"

	"github.com/parflow/parflow/internal/stage"
)

// Task is a self-contained unit of work: run the operator tree rooted at
// one stage's root POP, for one partition of that stage. It carries no
// pointers into the compiler's graphs, only identifiers, so that it
// round-trips through gob the same way it would over a real network
// transport — the pool never assumes tasks can share in-process state.
type Task struct {
	FlowID    string
	Stage     stage.ID
	Partition int
}

// encode/decode round-trip Task through gob, the transport format a
// worker pool run across a real cluster would use. The in-process pool
// pays this cost too, so a task can never smuggle live state past the
// queue boundary.
func (t Task) encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(t); err != nil {
		return nil, errors.Annotate(err, "worker: encode task")
	}
	return buf.Bytes(), nil
}

func decodeTask(b []byte) (Task, error) {
	var t Task
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&t); err != nil {
		return Task{}, errors.Annotate(err, "worker: decode task")
	}
	return t, nil
}

// TaskFunc executes one task and reports its outcome.
type TaskFunc func(Task) error

// Pool is a fixed set of goroutines, each draining its own task channel.
// A task's partition picks its worker (partition mod pool size), so a
// given partition's tasks always execute on the same goroutine across a
// run, matching the scheduler's one-task-in-flight-per-partition
// contract.
type Pool struct {
	queues []chan []byte
	fn     TaskFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	firstErr error
}

// NewPool starts n worker goroutines, each invoking fn for every task
// dispatched to it.
func NewPool(n int, fn TaskFunc) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{queues: make([]chan []byte, n), fn: fn}
	for i := range p.queues {
		p.queues[i] = make(chan []byte)
		go p.runWorker(p.queues[i])
	}
	return p
}

func (p *Pool) runWorker(queue chan []byte) {
	for payload := range queue {
		t, err := decodeTask(payload)
		if err == nil {
			err = p.fn(t)
		}
		if err != nil {
			p.recordErr(err)
		}
		p.wg.Done()
	}
}

func (p *Pool) recordErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.firstErr == nil {
		p.firstErr = err
	}
}

// Submit dispatches t to its assigned worker.
func (p *Pool) Submit(t Task) error {
	payload, err := t.encode()
	if err != nil {
		return errors.Trace(err)
	}
	w := t.Partition % len(p.queues)
	if w < 0 {
		w += len(p.queues)
	}
	p.wg.Add(1)
	p.queues[w] <- payload
	return nil
}

// Wait blocks until every submitted task so far has completed, then
// returns the first error any task reported (nil if none did). It is the
// scheduler's stage barrier.
func (p *Pool) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firstErr
}

// Close shuts down every worker goroutine. Call only after the final
// Wait returns.
func (p *Pool) Close() {
	for _, q := range p.queues {
		close(q)
	}
}
