package worker

import (
	"github.com/juju/errors"
	"github.com/pingcap/failpoint"

	"github.com/parflow/parflow/internal/chunk"
	"github.com/parflow/parflow/internal/physop"
	"github.com/parflow/parflow/internal/pop"
	"github.com/parflow/parflow/internal/stage"
	"github.com/parflow/parflow/logger"
)

// SinkFunc receives every chunk an operator tree produces for one
// (stage, partition) task, in pull order. The scheduler calls it once
// per non-empty chunk; the caller decides what to keep (the flow only
// cares about the root stage's rows).
type SinkFunc func(stage.ID, int, *chunk.Chunk)

// Scheduler drives a compiled physical plan to completion: it walks the
// stage graph in producer-before-consumer order (stage.Graph's
// TopoOrderReverse), and for each stage dispatches one task per
// partition to the worker pool, waiting on the pool's stage barrier
// before moving to that stage's consumer.
type Scheduler struct {
	pg      *pop.Graph
	sg      *stage.Graph
	flowID  string
	tempDir string
	sink    SinkFunc
	pool    *Pool
}

// NewScheduler builds a Scheduler over a compiled plan, backed by an
// nworkers-sized pool.
func NewScheduler(pg *pop.Graph, sg *stage.Graph, flowID, tempDir string, nworkers int, sink SinkFunc) *Scheduler {
	s := &Scheduler{pg: pg, sg: sg, flowID: flowID, tempDir: tempDir, sink: sink}
	s.pool = NewPool(nworkers, s.runTask)
	return s
}

// Run executes every stage of the plan, leaves first (root) last, and
// returns the first task error encountered, if any.
func (s *Scheduler) Run() error {
	defer s.pool.Close()
	for _, id := range s.sg.TopoOrderReverse() {
		node := s.sg.Stage(id)
		if !node.RootSet {
			continue // an id with no stage ever compiled into it (shouldn't occur)
		}
		n := node.ProducerPartitions
		if n < 1 {
			n = 1
		}
		logger.Debugf("worker: dispatching stage flow=%s stage=%d partitions=%d", s.flowID, id, n)
		for p := 0; p < n; p++ {
			if err := s.pool.Submit(Task{FlowID: s.flowID, Stage: id, Partition: p}); err != nil {
				return errors.Trace(err)
			}
		}
		if err := s.pool.Wait(); err != nil {
			return errors.Annotatef(err, "worker: stage %d", id)
		}
	}
	return nil
}

func (s *Scheduler) runTask(t Task) (err error) {
	if val, _ := failpoint.Eval("forceTaskError"); val != nil {
		return errors.Errorf("worker: injected failure at stage %d partition %d (%v)", t.Stage, t.Partition, val)
	}

	node := s.sg.Stage(t.Stage)
	ctx := &physop.Context{FlowID: t.FlowID, TempDir: s.tempDir, Partition: t.Partition}
	op, err := physop.Build(s.pg, node.Root, ctx)
	if err != nil {
		return errors.Trace(err)
	}
	for {
		c, err := op.Next()
		if err != nil {
			return errors.Annotatef(err, "worker: stage %d partition %d", t.Stage, t.Partition)
		}
		if c.NumRows() == 0 {
			return nil
		}
		if s.sink != nil {
			s.sink(t.Stage, t.Partition, c)
		}
	}
}
