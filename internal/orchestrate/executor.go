package orchestrate

import (
	"errors"
	"log"
	"os"
	"sync"

	"github.com/sebastianspicker/cs2-live-demo-parser/internal/demoreader"
)

// ErrNoDemo is returned by poll calls when no demo is set.
var ErrNoDemo = errors.New("orchestrate: no demo set")

// ReaderFactory builds a fresh Reader for a demo path, wiring in whatever
// concrete decoder the process uses.
type ReaderFactory func(path string) *demoreader.Reader

// Executor is where the decoder work runs. The orchestrator awaits one
// outstanding call at a time; implementations serialize internally.
type Executor interface {
	// SetDemo swaps the active demo. An empty path clears the reader.
	SetDemo(path string) error
	// PollIncremental runs one tick-window poll on the active demo.
	PollIncremental() (*demoreader.Snapshot, bool, error)
	// PollWindow parses one fixed window for manual scrubbing.
	PollWindow(startTick, window int64) (*demoreader.Snapshot, bool, error)
	// Reset drops the reader's per-demo caches (seek).
	Reset()
	// TickRate and TotalTicks surface the active demo's header info.
	TickRate() float64
	TotalTicks() int64
	// Mode names the executor variant for status surfaces.
	Mode() string
	// Stop releases the executor's resources.
	Stop()
}

// InlineExecutor runs the decoder directly on the calling task. Acceptable
// for testing, and the transparent fallback when the thread worker dies.
type InlineExecutor struct {
	factory ReaderFactory
	reader  *demoreader.Reader
}

// NewInlineExecutor builds an inline executor over factory.
func NewInlineExecutor(factory ReaderFactory) *InlineExecutor {
	return &InlineExecutor{factory: factory}
}

func (e *InlineExecutor) SetDemo(path string) error {
	if e.reader != nil {
		e.reader.Close()
		e.reader = nil
	}
	if path == "" {
		return nil
	}
	e.reader = e.factory(path)
	return nil
}

func (e *InlineExecutor) PollIncremental() (*demoreader.Snapshot, bool, error) {
	if e.reader == nil {
		return nil, false, ErrNoDemo
	}
	return e.reader.ParseIncremental()
}

func (e *InlineExecutor) PollWindow(startTick, window int64) (*demoreader.Snapshot, bool, error) {
	if e.reader == nil {
		return nil, false, ErrNoDemo
	}
	return e.reader.ParseWindow(startTick, window)
}

func (e *InlineExecutor) Reset() {
	if e.reader != nil {
		e.reader.ResetState()
	}
}

func (e *InlineExecutor) TickRate() float64 {
	if e.reader == nil {
		return 0
	}
	return e.reader.TickRate()
}

func (e *InlineExecutor) TotalTicks() int64 {
	if e.reader == nil {
		return 0
	}
	return e.reader.TotalTicks()
}

func (e *InlineExecutor) Mode() string { return "inline" }

func (e *InlineExecutor) Stop() {
	if e.reader != nil {
		e.reader.Close()
		e.reader = nil
	}
}

// ThreadExecutor runs every decoder call on one dedicated worker
// goroutine, so a slow parse never blocks the I/O task's own goroutine
// pool. If the worker dies (a panic in the decoder), every future call
// transparently falls back to inline execution.
type ThreadExecutor struct {
	inner  *InlineExecutor
	jobs   chan func()
	logger *log.Logger

	mu     sync.Mutex
	failed bool
	done   chan struct{}
}

// NewThreadExecutor builds the single-worker executor over factory.
func NewThreadExecutor(factory ReaderFactory) *ThreadExecutor {
	e := &ThreadExecutor{
		inner:  NewInlineExecutor(factory),
		jobs:   make(chan func()),
		logger: log.New(os.Stderr, "[executor] ", log.LstdFlags),
		done:   make(chan struct{}),
	}
	go e.workerLoop()
	return e
}

func (e *ThreadExecutor) workerLoop() {
	defer close(e.done)
	for job := range e.jobs {
		job()
	}
}

// submit runs fn on the worker and waits for it. A panic inside fn marks
// the worker failed; this call returns with fn's results unset, and all
// later calls run inline instead.
func (e *ThreadExecutor) submit(fn func()) {
	e.mu.Lock()
	failed := e.failed
	e.mu.Unlock()
	if failed {
		fn()
		return
	}

	doneCh := make(chan struct{})
	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				e.mu.Lock()
				e.failed = true
				e.mu.Unlock()
				e.logger.Printf("worker panic, falling back to inline: %v", r)
			}
			close(doneCh)
		}()
		fn()
	}

	select {
	case e.jobs <- wrapped:
		// A panic inside fn leaves the caller's results zero-valued; the
		// poll loop treats that as "no update" and the next call runs
		// inline.
		<-doneCh
	case <-e.done:
		// Worker already gone.
		e.mu.Lock()
		e.failed = true
		e.mu.Unlock()
		fn()
	}
}

func (e *ThreadExecutor) SetDemo(path string) error {
	var err error
	e.submit(func() { err = e.inner.SetDemo(path) })
	return err
}

func (e *ThreadExecutor) PollIncremental() (snap *demoreader.Snapshot, ok bool, err error) {
	e.submit(func() { snap, ok, err = e.inner.PollIncremental() })
	return
}

func (e *ThreadExecutor) PollWindow(startTick, window int64) (snap *demoreader.Snapshot, ok bool, err error) {
	e.submit(func() { snap, ok, err = e.inner.PollWindow(startTick, window) })
	return
}

func (e *ThreadExecutor) Reset() {
	e.submit(func() { e.inner.Reset() })
}

func (e *ThreadExecutor) TickRate() (v float64) {
	e.submit(func() { v = e.inner.TickRate() })
	return
}

func (e *ThreadExecutor) TotalTicks() (v int64) {
	e.submit(func() { v = e.inner.TotalTicks() })
	return
}

func (e *ThreadExecutor) Mode() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failed {
		return "thread (inline fallback)"
	}
	return "thread"
}

func (e *ThreadExecutor) Stop() {
	e.mu.Lock()
	if !e.failed {
		e.failed = true
		close(e.jobs)
	}
	e.mu.Unlock()
	e.inner.Stop()
}
