// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package clang

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/nativec/backends"
	"github.com/gomlx/nativec/internal/workerspool"
	"github.com/gomlx/nativec/pkg/support/sets"
)

// GraphExecutor runs batches of kernel invocations. It implements backends.GraphExecutor.
type GraphExecutor struct {
	pool *workerspool.Pool
}

var _ backends.GraphExecutor = (*GraphExecutor)(nil)

// NewGraphExecutor returns an executor that runs at most parallelism graph items concurrently.
// If parallelism is 0 items are run sequentially, if -1 there is no limit.
func NewGraphExecutor(parallelism int) *GraphExecutor {
	pool := workerspool.New()
	pool.SetMaxParallelism(parallelism)
	return &GraphExecutor{pool: pool}
}

// Parallelism returns the maximum number of items run concurrently.
func (e *GraphExecutor) Parallelism() int { return e.pool.MaxParallelism() }

type graphNode struct {
	kernel     *backends.Kernel
	args       backends.Arguments
	numDeps    int32
	dependents []int
}

// Graph implements backends.Graph.
type Graph struct {
	executor *GraphExecutor
	nodes    []graphNode
	pinned   []*Buffer

	// mu serializes Run and Finalize.
	mu        sync.Mutex
	finalized bool
}

var _ backends.Graph = (*Graph)(nil)

// NewGraph implements backends.GraphExecutor.
//
// Items are checked against their kernel signatures, and their buffers are pinned until Graph.Finalize.
// A buffer is written by an item if the kernel signature doesn't mark it as read-only.
func (e *GraphExecutor) NewGraph(items []backends.GraphItem) (backends.Graph, error) {
	g := &Graph{executor: e, nodes: make([]graphNode, len(items))}
	lastWriter := make(map[*Buffer]int)
	readers := make(map[*Buffer][]int)
	for ii, item := range items {
		if item.Kernel == nil {
			g.unpinAll()
			return nil, errors.Errorf("graph item #%d has no kernel", ii)
		}
		args, err := item.Kernel.PrepareArguments(item.Buffers, item.Immediates)
		if err != nil {
			g.unpinAll()
			return nil, errors.WithMessagef(err, "graph item #%d", ii)
		}
		node := &g.nodes[ii]
		node.kernel, node.args = item.Kernel, args

		deps := sets.Make[int]()
		written := sets.Make[*Buffer]()
		specs := item.Kernel.Signature().Buffers
		for jj, buffer := range item.Buffers {
			buf, err := castBuffer(buffer)
			if err == nil {
				err = buf.Pin()
			}
			if err != nil {
				g.unpinAll()
				return nil, errors.WithMessagef(err, "graph item #%d, buffer #%d", ii, jj)
			}
			g.pinned = append(g.pinned, buf)
			if writer, found := lastWriter[buf]; found {
				deps.Insert(writer)
			}
			if !specs[jj].ReadOnly {
				written.Insert(buf)
			}
		}
		for buf := range written {
			for _, reader := range readers[buf] {
				deps.Insert(reader)
			}
		}
		for _, buffer := range item.Buffers {
			buf := buffer.(*Buffer)
			if written.Has(buf) {
				lastWriter[buf] = ii
				delete(readers, buf)
			} else {
				readers[buf] = append(readers[buf], ii)
			}
		}
		delete(deps, ii)
		node.numDeps = int32(len(deps))
		for dep := range deps {
			g.nodes[dep].dependents = append(g.nodes[dep].dependents, ii)
		}
	}
	klog.V(2).Infof("created graph with %d items and %d pinned buffers", len(g.nodes), len(g.pinned))
	return g, nil
}

func (g *Graph) unpinAll() {
	for _, buf := range g.pinned {
		buf.Unpin()
	}
	g.pinned = nil
}

// Run implements backends.Graph. If any item fails, items that were not started yet are skipped
// and the first error is returned.
func (g *Graph) Run(timed bool) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finalized {
		return 0, errors.New("graph used after Finalize")
	}
	var start time.Time
	if timed {
		start = time.Now()
	}

	pending := make([]atomic.Int32, len(g.nodes))
	for ii := range g.nodes {
		pending[ii].Store(g.nodes[ii].numDeps)
	}
	var (
		wg       sync.WaitGroup
		failed   atomic.Bool
		errOnce  sync.Once
		firstErr error
	)
	wg.Add(len(g.nodes))
	var run func(ii int)
	run = func(ii int) {
		defer wg.Done()
		node := &g.nodes[ii]
		if !failed.Load() {
			if _, err := node.kernel.InvokePrepared(node.args, false); err != nil {
				failed.Store(true)
				errOnce.Do(func() {
					firstErr = errors.WithMessagef(err, "graph item #%d (kernel %q)", ii, node.kernel.Name())
				})
			}
		}
		for _, dependent := range node.dependents {
			if pending[dependent].Add(-1) == 0 {
				if !g.executor.pool.StartIfAvailable(func() { run(dependent) }) {
					run(dependent)
				}
			}
		}
	}
	for ii := range g.nodes {
		if g.nodes[ii].numDeps == 0 {
			g.executor.pool.WaitToStart(func() { run(ii) })
		}
	}
	wg.Wait()
	if firstErr != nil {
		return 0, firstErr
	}
	if !timed {
		return 0, nil
	}
	return time.Since(start), nil
}

// Finalize implements backends.Graph. It unpins the buffers used by the graph.
func (g *Graph) Finalize() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finalized {
		return nil
	}
	g.finalized = true
	g.unpinAll()
	g.nodes = nil
	return nil
}
