package broadcast

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// encodedFrame is one outbound frame, ready for WriteMessage.
type encodedFrame struct {
	messageType int // websocket.TextMessage or websocket.BinaryMessage
	payload     []byte
}

// encoder turns structured frames into wire bytes: JSON text frames, or
// msgpack binary frames when binary encoding is negotiated. It keeps the
// rolling _msg_bytes/_compression_rate bookkeeping that gets embedded
// into position_update payloads.
type encoder struct {
	binary          bool
	refreshInterval int

	mu              sync.Mutex
	frameCount      int
	lastMsgBytes    int
	lastCompression float64
	fallbacks       uint64

	// onSample reports (binaryLen, textLen) pairs measured on refresh
	// ticks, feeding the rolling compression metric.
	onSample func(binaryLen, textLen int)
}

func newEncoder(binary bool, refreshInterval int, onSample func(binaryLen, textLen int)) *encoder {
	if refreshInterval <= 0 {
		refreshInterval = 10
	}
	return &encoder{
		binary:          binary,
		refreshInterval: refreshInterval,
		onSample:        onSample,
	}
}

// LastMsgBytes returns the bookkeeping value embedded into payloads.
func (e *encoder) LastMsgBytes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastMsgBytes
}

// Fallbacks returns how many frames fell back to text after a pack error.
func (e *encoder) Fallbacks() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fallbacks
}

// encode renders one frame. Position updates carry the bookkeeping
// fields; those are remeasured every refreshInterval frames and reuse the
// previous measurement in between, so the refresh is purely
// observability, never frame correctness.
func (e *encoder) encode(frame map[string]any) (encodedFrame, error) {
	if !e.binary {
		payload, err := json.Marshal(frame)
		if err != nil {
			return encodedFrame{}, err
		}
		return encodedFrame{messageType: websocket.TextMessage, payload: payload}, nil
	}

	isPayload := frame["type"] == "position_update"

	e.mu.Lock()
	e.frameCount++
	refresh := isPayload && e.frameCount%e.refreshInterval == 0
	msgBytes := e.lastMsgBytes
	compression := e.lastCompression
	e.mu.Unlock()

	if refresh {
		// Measure the bare frame once, before the bookkeeping fields are
		// embedded, so text and binary sizes compare like for like.
		textBytes, err := json.Marshal(frame)
		if err != nil {
			return e.fallbackText(frame)
		}
		binBytes, err := msgpack.Marshal(frame)
		if err != nil {
			return e.fallbackText(frame)
		}
		msgBytes = len(binBytes)
		compression = 0
		if len(textBytes) > 0 {
			compression = (1 - float64(len(binBytes))/float64(len(textBytes))) * 100
		}
		e.mu.Lock()
		e.lastMsgBytes = msgBytes
		e.lastCompression = compression
		e.mu.Unlock()
		if e.onSample != nil {
			e.onSample(len(binBytes), len(textBytes))
		}
	}

	out := frame
	if isPayload {
		out = make(map[string]any, len(frame)+2)
		for k, v := range frame {
			out[k] = v
		}
		out["_msg_bytes"] = msgBytes
		out["_compression_rate"] = compression
	}

	payload, err := msgpack.Marshal(out)
	if err != nil {
		return e.fallbackText(frame)
	}
	return encodedFrame{messageType: websocket.BinaryMessage, payload: payload}, nil
}

// fallbackText encodes the frame as JSON after a pack failure.
func (e *encoder) fallbackText(frame map[string]any) (encodedFrame, error) {
	e.mu.Lock()
	e.fallbacks++
	e.mu.Unlock()
	payload, err := json.Marshal(frame)
	if err != nil {
		return encodedFrame{}, err
	}
	return encodedFrame{messageType: websocket.TextMessage, payload: payload}, nil
}
