package ingest

import (
	"cmp"
	"context"
	"slices"
	"sync/atomic"
	"time"
)

// routerFallback bounds how long the router sleeps if a wake-up is missed.
const routerFallback = 100 * time.Millisecond

// Router is the single consumer of engine descriptors and the single
// producer into the command and positioning queues.
type Router struct {
	engine      *Engine
	command     *Queue
	positioning *Queue

	batch []*descriptor

	positioningPackets atomic.Uint64
	commandPackets     atomic.Uint64
	parseErrors        atomic.Uint64
	queueOverflows     atomic.Uint64
	lastRoute          atomic.Int64
}

func NewRouter(e *Engine, command, positioning *Queue) *Router {
	return &Router{engine: e, command: command, positioning: positioning}
}

// Run routes descriptors until ctx is done.
func (r *Router) Run(ctx context.Context) {
	t := time.NewTicker(routerFallback)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.engine.Wake():
		case <-t.C:
		}
		r.drain()
	}
}

// drain claims every ready descriptor and routes them in capture order, so
// a slot reused by an overrun goes out after the older slots it overtook.
// It returns how many were consumed.
func (r *Router) drain() int {
	r.batch = r.batch[:0]
	for i := range r.engine.pool {
		d := &r.engine.pool[i]
		if d.state.CompareAndSwap(slotReady, slotRouting) {
			r.batch = append(r.batch, d)
		}
	}
	if len(r.batch) == 0 {
		return 0
	}
	slices.SortFunc(r.batch, func(a, b *descriptor) int { return cmp.Compare(a.seq, b.seq) })

	for _, d := range r.batch {
		d.tag = Classify(d.buf[:d.n])
		r.route(d)
		d.state.Store(slotFree)
	}
	r.lastRoute.Store(time.Now().UnixNano())
	return len(r.batch)
}

func (r *Router) route(d *descriptor) {
	var q *Queue
	var counter *atomic.Uint64
	switch d.tag {
	case TagPositioning:
		q, counter = r.positioning, &r.positioningPackets
	case TagCommand:
		q, counter = r.command, &r.commandPackets
	default:
		r.parseErrors.Add(1)
		return
	}

	payload := make([]byte, d.n)
	copy(payload, d.buf[:d.n])
	if !q.Push(payload) {
		r.queueOverflows.Add(1)
		return
	}
	counter.Add(1)
}
