// Package flow wires the LOP->POP compiler and the worker scheduler
// together into the single entry point a caller drives a query through:
// compile, run every stage to completion, collect the root stage's rows.
package flow

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/errors"

	"github.com/parflow/parflow/internal/catalog"
	"github.com/parflow/parflow/internal/chunk"
	"github.com/parflow/parflow/internal/expr"
	"github.com/parflow/parflow/internal/graph"
	"github.com/parflow/parflow/internal/lop"
	"github.com/parflow/parflow/internal/pop"
	"github.com/parflow/parflow/internal/stage"
	"github.com/parflow/parflow/internal/worker"
	"github.com/parflow/parflow/logger"
)

// Flow is one compiled, runnable query: the identifier namespacing its
// spill directory, the temp root that directory lives under, the
// directory diagnostic Explain dumps are written under, and the worker
// pool size its scheduler should use.
type Flow struct {
	ID        string
	TempDir   string
	OutputDir string
	NWorkers  int
}

// New returns a Flow with a sensible default worker count when nworkers
// is left at zero.
func New(id, tempDir, outputDir string, nworkers int) *Flow {
	if nworkers < 1 {
		nworkers = 1
	}
	return &Flow{ID: id, TempDir: tempDir, OutputDir: outputDir, NWorkers: nworkers}
}

// spillDir is the root directory every stage's exchange files for this
// flow live under (see exchange.Dir, which nests pipeline/consumer
// subdirectories beneath it).
func (f *Flow) spillDir() string {
	return filepath.Join(f.TempDir, fmt.Sprintf("flow-%s", f.ID))
}

// Run compiles the logical plan rooted at lopRoot and executes it to
// completion, returning the root stage's output chunks in the order its
// partitions happened to finish (callers that need a stable row order
// should sort downstream of Run). It removes the flow's spill directory
// up front (exchange writers create it again as needed), so two Run calls
// with the same Flow never see each other's leftover files.
func (f *Flow) Run(lg *lop.Graph, lopRoot graph.Key, eg *expr.Graph, cat catalog.Catalog) ([]*chunk.Chunk, error) {
	pg, sg, _, err := pop.Compile(lg, lopRoot, eg, cat)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if err := os.RemoveAll(f.spillDir()); err != nil {
		return nil, errors.Annotate(err, "flow: clear spill directory")
	}

	var mu sync.Mutex
	var results []*chunk.Chunk
	sink := func(id stage.ID, partition int, c *chunk.Chunk) {
		if id != stage.Root {
			return
		}
		mu.Lock()
		results = append(results, c)
		mu.Unlock()
	}

	logger.Infof("flow: starting run flow=%s stages=%d", f.ID, sg.Len())
	s := worker.NewScheduler(pg, sg, f.ID, f.TempDir, f.NWorkers, sink)
	if err := s.Run(); err != nil {
		return nil, errors.Annotatef(err, "flow %s", f.ID)
	}
	logger.Infof("flow: run complete flow=%s chunks=%d", f.ID, len(results))
	return results, nil
}

// explainPath is the file an Explain call for this flow writes its
// rendered plan dump to.
func (f *Flow) explainPath() string {
	return filepath.Join(f.OutputDir, fmt.Sprintf("flow-%s.explain.txt", f.ID))
}

// Explain renders the compiled plan as an indented text tree — the stage
// graph, and each stage's physical operator chain — and writes it to a
// file under OutputDir, without executing the plan.
func (f *Flow) Explain(lg *lop.Graph, lopRoot graph.Key, eg *expr.Graph, cat catalog.Catalog) (string, error) {
	pg, sg, _, err := pop.Compile(lg, lopRoot, eg, cat)
	if err != nil {
		return "", errors.Trace(err)
	}

	var out string
	out += sg.Explain()
	out += "\n"
	out += pop.Explain(pg, sg)

	if err := os.MkdirAll(f.OutputDir, 0o755); err != nil {
		return "", errors.Annotate(err, "flow: create output directory")
	}
	if err := os.WriteFile(f.explainPath(), []byte(out), 0o644); err != nil {
		return "", errors.Annotate(err, "flow: write explain output")
	}
	return out, nil
}
