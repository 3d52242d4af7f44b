package workerproc

import (
	"errors"
	"log"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sebastianspicker/cs2-live-demo-parser/internal/demoreader"
)

const (
	backoffInitial = time.Second
	backoffMax     = 30 * time.Second
	connectTimeout = time.Second
)

// ErrWorkerUnavailable is returned while the respawn back-off holds.
var ErrWorkerUnavailable = errors.New("workerproc: worker unavailable")

// Host is the orchestrator-side process executor: it owns the child
// worker's lifecycle and speaks the framed protocol to it. Implements
// the orchestrate Executor surface.
type Host struct {
	socketPath string
	workerBin  string
	logger     *log.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	conn      net.Conn
	demoPath  string // replayed to a respawned worker
	backoff   time.Duration
	nextSpawn time.Time
}

// NewHost builds a process executor; the worker is spawned lazily on the
// first call.
func NewHost(workerBin, socketPath string) *Host {
	return &Host{
		socketPath: socketPath,
		workerBin:  workerBin,
		logger:     log.New(os.Stderr, "[workerproc] ", log.LstdFlags),
		backoff:    backoffInitial,
	}
}

// ensureWorker spawns and connects the child if needed, honoring the
// back-off window after a crash.
func (h *Host) ensureWorker() error {
	if h.conn != nil {
		return nil
	}
	if time.Now().Before(h.nextSpawn) {
		return ErrWorkerUnavailable
	}

	cmd := exec.Command(h.workerBin, "-socket", h.socketPath)
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		h.scheduleRespawn()
		return err
	}

	// The child needs a moment to bind its socket.
	var conn net.Conn
	var err error
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.DialTimeout("unix", h.socketPath, connectTimeout)
		if err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		h.scheduleRespawn()
		return err
	}

	h.cmd = cmd
	h.conn = conn
	h.backoff = backoffInitial
	h.logger.Printf("worker up (pid %d)", cmd.Process.Pid)

	// Replay the active demo so a respawn is transparent.
	if h.demoPath != "" {
		if _, _, err := h.roundTrip(MsgTypeSetDemo, SetDemoRequest{Path: h.demoPath}); err != nil {
			h.reap()
			return err
		}
	}
	return nil
}

func (h *Host) scheduleRespawn() {
	h.nextSpawn = time.Now().Add(h.backoff)
	h.logger.Printf("worker down, next spawn attempt in %s", h.backoff)
	h.backoff *= 2
	if h.backoff > backoffMax {
		h.backoff = backoffMax
	}
}

// reap kills the child and schedules the next spawn attempt.
func (h *Host) reap() {
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
		_, _ = h.cmd.Process.Wait()
	}
	h.cmd = nil
	h.scheduleRespawn()
}

// roundTrip sends one command and reads one reply under PollTimeout.
// Callers hold h.mu.
func (h *Host) roundTrip(msgType byte, body any) (byte, []byte, error) {
	if err := h.ensureWorker(); err != nil {
		return 0, nil, err
	}
	_ = h.conn.SetDeadline(time.Now().Add(PollTimeout))
	if err := WriteMessage(h.conn, msgType, body); err != nil {
		h.reap()
		return 0, nil, err
	}
	replyType, replyBody, err := ReadMessage(h.conn)
	if err != nil {
		// Timeout or closed pipe: the worker is gone as far as the host
		// is concerned.
		h.reap()
		return 0, nil, err
	}
	return replyType, replyBody, nil
}

func (h *Host) SetDemo(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.demoPath = path
	replyType, body, err := h.roundTrip(MsgTypeSetDemo, SetDemoRequest{Path: path})
	if err != nil {
		return err
	}
	if replyType == MsgTypeError {
		var reply ErrorReply
		_ = Decode(body, &reply)
		return errors.New(reply.Message)
	}
	return nil
}

func (h *Host) PollIncremental() (*demoreader.Snapshot, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.decodePollReply(h.roundTrip(MsgTypePoll, nil))
}

func (h *Host) PollWindow(startTick, window int64) (*demoreader.Snapshot, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.decodePollReply(h.roundTrip(MsgTypePollWindow, PollWindowRequest{
		StartTick: startTick, Window: window,
	}))
}

func (h *Host) decodePollReply(replyType byte, body []byte, err error) (*demoreader.Snapshot, bool, error) {
	if err != nil {
		return nil, false, err
	}
	switch replyType {
	case MsgTypeSnapshot:
		var reply SnapshotReply
		if err := Decode(body, &reply); err != nil {
			return nil, false, err
		}
		return &reply.Snapshot, true, nil
	case MsgTypeNoUpdate:
		return nil, false, nil
	case MsgTypeError:
		var reply ErrorReply
		_ = Decode(body, &reply)
		return nil, false, errors.New(reply.Message)
	default:
		return nil, false, errors.New("workerproc: unexpected reply type")
	}
}

func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, _, _ = h.roundTrip(MsgTypeReset, nil)
}

func (h *Host) info() InfoReply {
	h.mu.Lock()
	defer h.mu.Unlock()
	replyType, body, err := h.roundTrip(MsgTypeInfo, nil)
	if err != nil || replyType != MsgTypeInfoData {
		return InfoReply{}
	}
	var reply InfoReply
	if err := Decode(body, &reply); err != nil {
		return InfoReply{}
	}
	return reply
}

func (h *Host) TickRate() float64 { return h.info().TickRate }
func (h *Host) TotalTicks() int64 { return h.info().TotalTicks }

func (h *Host) Mode() string { return "process" }

// Stop asks the worker to exit and reaps it.
func (h *Host) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		_ = h.conn.SetDeadline(time.Now().Add(PollTimeout))
		_ = WriteMessage(h.conn, MsgTypeStop, nil)
		_ = h.conn.Close()
		h.conn = nil
	}
	if cmd := h.cmd; cmd != nil && cmd.Process != nil {
		done := make(chan struct{})
		go func() {
			_, _ = cmd.Process.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(PollTimeout):
			_ = cmd.Process.Kill()
		}
	}
	h.cmd = nil
}
