// Package workerproc hosts the decoder in a child process: the
// orchestrator's process executor sends set_demo/poll/stop commands over
// a Unix domain socket and reads snapshots back. Framing is a fixed
// header plus a gob body; an unresponsive or crashed child is reaped and
// respawned with exponential back-off.
package workerproc

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/sebastianspicker/cs2-live-demo-parser/internal/demoreader"
)

const (
	// ProtocolVersion guards against mixed host/worker builds.
	ProtocolVersion uint16 = 1

	// Command messages, host -> worker.
	MsgTypeSetDemo    byte = 0x01
	MsgTypePoll       byte = 0x02
	MsgTypePollWindow byte = 0x03
	MsgTypeReset      byte = 0x04
	MsgTypeInfo       byte = 0x05
	MsgTypeStop       byte = 0x06

	// Replies, worker -> host.
	MsgTypeOK       byte = 0x10
	MsgTypeSnapshot byte = 0x11
	MsgTypeNoUpdate byte = 0x12
	MsgTypeError    byte = 0x13
	MsgTypeInfoData byte = 0x14

	// MaxMessageSize bounds one framed message.
	MaxMessageSize = 4 * 1024 * 1024

	// PollTimeout is how long the host waits for any reply before it
	// treats the worker as crashed.
	PollTimeout = 2 * time.Second
)

// SetDemoRequest swaps the worker's active demo. An empty path clears it.
type SetDemoRequest struct {
	Path string
}

// PollWindowRequest parses a fixed window for manual scrubbing.
type PollWindowRequest struct {
	StartTick int64
	Window    int64
}

// SnapshotReply carries one snapshot back by value.
type SnapshotReply struct {
	Snapshot demoreader.Snapshot
}

// InfoReply carries the active demo's header-derived numbers.
type InfoReply struct {
	TickRate   float64
	TotalTicks int64
}

// ErrorReply carries a worker-side failure message.
type ErrorReply struct {
	Message string
}

const headerSize = 8 // 2 version + 1 type + 1 reserved + 4 length

// WriteMessage writes one framed message. A nil body writes an empty
// payload.
func WriteMessage(w io.Writer, msgType byte, body any) error {
	var payload []byte
	if body != nil {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("gob encode: %w", err)
		}
		payload = buf.Bytes()
	}
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(payload), MaxMessageSize)
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(header[0:2], ProtocolVersion)
	header[2] = msgType
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write body: %w", err)
		}
	}
	return nil
}

// ReadMessage reads one framed message.
func ReadMessage(r io.Reader) (byte, []byte, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}
	version := binary.LittleEndian.Uint16(header[0:2])
	if version != ProtocolVersion {
		return 0, nil, fmt.Errorf("version mismatch: got %d, want %d", version, ProtocolVersion)
	}
	length := binary.LittleEndian.Uint32(header[4:8])
	if length > MaxMessageSize {
		return 0, nil, fmt.Errorf("message too large: %d > %d", length, MaxMessageSize)
	}
	var body []byte
	if length > 0 {
		body = make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, fmt.Errorf("read body: %w", err)
		}
	}
	return header[2], body, nil
}

// Decode unmarshals a gob body into out.
func Decode(body []byte, out any) error {
	return gob.NewDecoder(bytes.NewReader(body)).Decode(out)
}

// CleanupSocket removes a stale socket file.
func CleanupSocket(path string) error {
	if _, err := os.Stat(path); err == nil {
		return os.Remove(path)
	}
	return nil
}

// CreateListener binds a fresh Unix domain socket at path.
func CreateListener(path string) (net.Listener, error) {
	if err := CleanupSocket(path); err != nil {
		return nil, fmt.Errorf("cleanup socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return listener, nil
}
