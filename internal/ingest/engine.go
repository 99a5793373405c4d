package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Slot ownership. The capture side moves a slot free->capturing->ready; the
// router moves it ready->routing->free. A ready slot may be reclaimed by the
// capture side (overrun), a routing slot never is.
const (
	slotFree uint32 = iota
	slotCapturing
	slotReady
	slotRouting
)

const (
	DefaultDescriptors = 4
	DefaultBufferSize  = 4096

	minDescriptors = 2
	minBufferSize  = 64
)

type EngineConfig struct {
	Descriptors int
	BufferSize  int
}

type descriptor struct {
	state atomic.Uint32
	buf   []byte
	n     int
	seq   uint64
	at    time.Time
	tag   Tag
}

// Engine captures framed chunks from the shared transport into a fixed pool
// of descriptors and wakes exactly one consumer per completed transfer.
type Engine struct {
	pool  []descriptor
	write atomic.Uint32
	wake  chan struct{}

	// seq numbers completed transfers. Only the capture side touches it.
	seq uint64

	totalBytes atomic.Uint64
	transfers  atomic.Uint64
	overruns   atomic.Uint64

	mu      sync.Mutex
	running bool
	src     io.Reader
	done    chan struct{}
	lastErr atomic.Value // string

	now func() time.Time
	log *log.Logger
}

func NewEngine(cfg EngineConfig, logger *log.Logger) (*Engine, error) {
	if cfg.Descriptors == 0 {
		cfg.Descriptors = DefaultDescriptors
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Descriptors < minDescriptors {
		return nil, fmt.Errorf("ingest: descriptors must be >= %d (got %d)", minDescriptors, cfg.Descriptors)
	}
	if cfg.BufferSize < minBufferSize {
		return nil, fmt.Errorf("ingest: buffer size must be >= %d (got %d)", minBufferSize, cfg.BufferSize)
	}
	if logger == nil {
		logger = log.Default()
	}

	e := &Engine{
		pool: make([]descriptor, cfg.Descriptors),
		wake: make(chan struct{}, 1),
		now:  time.Now,
		log:  logger,
	}
	for i := range e.pool {
		e.pool[i].buf = make([]byte, cfg.BufferSize)
	}
	return e, nil
}

// Start arms capture against src. Bytes are framed at line boundaries, so a
// sentence that fits in one buffer is never split across descriptors; longer
// runs are delivered as buffer-sized transfers.
func (e *Engine) Start(src io.Reader) error {
	if src == nil {
		return fmt.Errorf("ingest: source is nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("ingest: engine already started")
	}
	e.running = true
	e.src = src
	e.done = make(chan struct{})
	go e.captureLoop(src, e.done)
	return nil
}

// Stop disarms capture. If the source is an io.Closer it is closed to
// unblock the pending read.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	src, done := e.src, e.done
	e.src = nil
	e.mu.Unlock()

	if c, ok := src.(io.Closer); ok {
		_ = c.Close()
	}
	<-done
}

// Wake is signalled after every completed transfer. It has a buffer of one,
// so bursts collapse into a single wake-up.
func (e *Engine) Wake() <-chan struct{} { return e.wake }

func (e *Engine) captureLoop(src io.Reader, done chan struct{}) {
	defer close(done)

	r := bufio.NewReaderSize(src, len(e.pool[0].buf))
	for {
		frame, err := r.ReadSlice('\n')
		if len(frame) > 0 && !blankLine(frame) {
			e.capture(frame)
		}
		if err == nil || errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
			e.lastErr.Store(err.Error())
			e.log.Warn("capture stopped", "err", err)
		}
		return
	}
}

// capture plays the role of the transfer hardware: it claims the next slot
// and fills it, then signals completion.
func (e *Engine) capture(frame []byte) {
	idx := e.write.Load()
	d := &e.pool[idx]
	if !d.state.CompareAndSwap(slotFree, slotCapturing) {
		if !d.state.CompareAndSwap(slotReady, slotCapturing) {
			// Router is copying this slot out; the incoming transfer is lost.
			e.overruns.Add(1)
			return
		}
		e.overruns.Add(1)
	}
	n := copy(d.buf, frame)
	e.onTransferComplete(idx, n)
}

// onTransferComplete is the completion path. It must not allocate, block or
// take locks: bookkeeping, one atomic index advance and a non-blocking wake.
func (e *Engine) onTransferComplete(idx uint32, n int) {
	d := &e.pool[idx]
	e.seq++
	d.n = n
	d.seq = e.seq
	d.at = e.now()
	d.tag = TagUnclassified
	d.state.Store(slotReady)

	e.write.Store((idx + 1) % uint32(len(e.pool)))
	e.totalBytes.Add(uint64(n))
	e.transfers.Add(1)

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) size() int { return len(e.pool) }

func (e *Engine) lastError() string {
	if v, ok := e.lastErr.Load().(string); ok {
		return v
	}
	return ""
}

func blankLine(p []byte) bool {
	for _, b := range p {
		if b != '\r' && b != '\n' {
			return false
		}
	}
	return true
}
