// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "time"

// GraphItem is one kernel invocation in a Graph.
type GraphItem struct {
	Kernel     *Kernel
	Buffers    []Buffer
	Immediates []any
}

// GraphExecutor batches kernel invocations that share buffers. It's an optional Device component.
type GraphExecutor interface {
	// NewGraph checks the items arguments against their kernel signatures and returns a Graph that
	// runs them. The buffers are kept alive (can't be freed) until Graph.Finalize.
	NewGraph(items []GraphItem) (Graph, error)
}

// Graph is a batch of kernel invocations, run as a unit.
//
// Items that touch a common buffer (and at least one of them writes to it) are run in the order
// they were given. Independent items may run concurrently.
type Graph interface {
	// Run all items, and wait for them to finish. If timed is true it returns the total elapsed time.
	Run(timed bool) (time.Duration, error)

	// Finalize releases the buffers held by the graph. The graph can't be used afterwards.
	Finalize() error
}
