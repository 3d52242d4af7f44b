package workerproc

import (
	"log"
	"net"
	"os"

	"github.com/sebastianspicker/cs2-live-demo-parser/internal/demoreader"
)

// ReaderFactory builds the worker-side Reader for a demo path.
type ReaderFactory func(path string) *demoreader.Reader

// Serve runs the worker side of the protocol: bind the socket, accept
// the host (one connection at a time), and answer commands until a stop
// message or host disconnect. Returns once asked to stop.
func Serve(socketPath string, factory ReaderFactory) error {
	listener, err := CreateListener(socketPath)
	if err != nil {
		return err
	}
	defer listener.Close()
	defer CleanupSocket(socketPath)

	logger := log.New(os.Stderr, "[demoworker] ", log.LstdFlags)
	logger.Printf("listening on %s", socketPath)

	w := &worker{factory: factory, logger: logger}
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		logger.Printf("host connected")
		stop := w.serveConn(conn)
		_ = conn.Close()
		if stop {
			w.clearReader()
			logger.Printf("stopping")
			return nil
		}
		logger.Printf("host disconnected")
	}
}

type worker struct {
	factory ReaderFactory
	logger  *log.Logger
	reader  *demoreader.Reader
}

func (w *worker) clearReader() {
	if w.reader != nil {
		w.reader.Close()
		w.reader = nil
	}
}

// serveConn answers commands on one host connection. Returns true when
// the host asked the worker to stop for good.
func (w *worker) serveConn(conn net.Conn) bool {
	for {
		msgType, body, err := ReadMessage(conn)
		if err != nil {
			return false
		}
		var writeErr error
		switch msgType {
		case MsgTypeSetDemo:
			var req SetDemoRequest
			if err := Decode(body, &req); err != nil {
				writeErr = WriteMessage(conn, MsgTypeError, ErrorReply{Message: err.Error()})
				break
			}
			w.clearReader()
			if req.Path != "" {
				w.reader = w.factory(req.Path)
			}
			writeErr = WriteMessage(conn, MsgTypeOK, nil)

		case MsgTypePoll:
			writeErr = w.replyPoll(conn, func() (*demoreader.Snapshot, bool, error) {
				return w.reader.ParseIncremental()
			})

		case MsgTypePollWindow:
			var req PollWindowRequest
			if err := Decode(body, &req); err != nil {
				writeErr = WriteMessage(conn, MsgTypeError, ErrorReply{Message: err.Error()})
				break
			}
			writeErr = w.replyPoll(conn, func() (*demoreader.Snapshot, bool, error) {
				return w.reader.ParseWindow(req.StartTick, req.Window)
			})

		case MsgTypeReset:
			if w.reader != nil {
				w.reader.ResetState()
			}
			writeErr = WriteMessage(conn, MsgTypeOK, nil)

		case MsgTypeInfo:
			var reply InfoReply
			if w.reader != nil {
				reply = InfoReply{TickRate: w.reader.TickRate(), TotalTicks: w.reader.TotalTicks()}
			}
			writeErr = WriteMessage(conn, MsgTypeInfoData, reply)

		case MsgTypeStop:
			return true

		default:
			writeErr = WriteMessage(conn, MsgTypeError, ErrorReply{Message: "unknown command"})
		}
		if writeErr != nil {
			return false
		}
	}
}

// replyPoll runs one parse and frames the outcome. A decoder panic is
// confined to this one reply; the worker stays up and answers the next
// command.
func (w *worker) replyPoll(conn net.Conn, parse func() (*demoreader.Snapshot, bool, error)) error {
	if w.reader == nil {
		return WriteMessage(conn, MsgTypeError, ErrorReply{Message: "no demo set"})
	}
	snap, ok, err := func() (snap *demoreader.Snapshot, ok bool, err error) {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Printf("parse panic: %v", r)
				snap, ok, err = nil, false, nil
			}
		}()
		return parse()
	}()
	if err != nil {
		return WriteMessage(conn, MsgTypeError, ErrorReply{Message: err.Error()})
	}
	if !ok {
		return WriteMessage(conn, MsgTypeNoUpdate, nil)
	}
	return WriteMessage(conn, MsgTypeSnapshot, SnapshotReply{Snapshot: *snap})
}
