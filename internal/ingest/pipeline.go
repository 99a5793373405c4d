package ingest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	DefaultCommandQueue     = 64
	DefaultPositioningQueue = 256
)

type Config struct {
	Descriptors      int
	BufferSize       int
	CommandQueue     int
	PositioningQueue int
}

// Stats is a point-in-time copy of the pipeline counters.
type Stats struct {
	TotalBytes         uint64 `json:"total_bytes"`
	Transfers          uint64 `json:"transfers"`
	PositioningPackets uint64 `json:"gps_packets"`
	CommandPackets     uint64 `json:"cellular_packets"`
	ParseErrors        uint64 `json:"parse_errors"`
	Overruns           uint64 `json:"overruns"`
	QueueOverflows     uint64 `json:"buffer_overflows"`
	CommandQueued      int    `json:"command_queued"`
	PositioningQueued  int    `json:"positioning_queued"`
	LastRouteUTC       string `json:"last_route_utc,omitempty"`
	LastCaptureError   string `json:"last_capture_error,omitempty"`
	Running            bool   `json:"running"`
}

// Pipeline wires engine, router and the two channel queues together.
type Pipeline struct {
	engine      *Engine
	router      *Router
	command     *Queue
	positioning *Queue
	log         *log.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config, logger *log.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.CommandQueue == 0 {
		cfg.CommandQueue = DefaultCommandQueue
	}
	if cfg.PositioningQueue == 0 {
		cfg.PositioningQueue = DefaultPositioningQueue
	}
	if cfg.CommandQueue < 0 || cfg.PositioningQueue < 0 {
		return nil, fmt.Errorf("ingest: queue capacity must be positive")
	}

	engine, err := NewEngine(EngineConfig{Descriptors: cfg.Descriptors, BufferSize: cfg.BufferSize}, logger)
	if err != nil {
		return nil, err
	}
	command := NewQueue(cfg.CommandQueue)
	positioning := NewQueue(cfg.PositioningQueue)

	return &Pipeline{
		engine:      engine,
		router:      NewRouter(engine, command, positioning),
		command:     command,
		positioning: positioning,
		log:         logger,
	}, nil
}

// Start runs the router and arms capture on src.
func (p *Pipeline) Start(ctx context.Context, src io.Reader) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("ingest: pipeline already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.router.Run(runCtx)
	}()
	if err := p.engine.Start(src); err != nil {
		cancel()
		<-done
		return err
	}

	p.running = true
	p.cancel = cancel
	p.done = done
	p.log.Info("pipeline started", "descriptors", p.engine.size(), "buffer", len(p.engine.pool[0].buf),
		"command_queue", p.command.Cap(), "positioning_queue", p.positioning.Cap())
	return nil
}

// Stop disarms capture, then routes whatever is still pending and halts the
// router.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	p.engine.Stop()
	cancel()
	<-done
	p.router.drain()
}

func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pipeline) Command() *Queue { return p.command }

func (p *Pipeline) Positioning() *Queue { return p.positioning }

func (p *Pipeline) Stats() Stats {
	s := Stats{
		TotalBytes:         p.engine.totalBytes.Load(),
		Transfers:          p.engine.transfers.Load(),
		PositioningPackets: p.router.positioningPackets.Load(),
		CommandPackets:     p.router.commandPackets.Load(),
		ParseErrors:        p.router.parseErrors.Load(),
		Overruns:           p.engine.overruns.Load(),
		QueueOverflows:     p.router.queueOverflows.Load(),
		CommandQueued:      p.command.Len(),
		PositioningQueued:  p.positioning.Len(),
		LastCaptureError:   p.engine.lastError(),
		Running:            p.Running(),
	}
	if ns := p.router.lastRoute.Load(); ns > 0 {
		s.LastRouteUTC = time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
	}
	return s
}
