// Package broadcast is the subscriber-facing transport: a WebSocket hub
// on the fixed wire port that greets each connection with the current
// world, replays recent snapshots, fans out position/status/state/demo
// frames, and dispatches inbound commands to the orchestrator. Subscriber
// failures never propagate past their own connection.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sebastianspicker/cs2-live-demo-parser/internal/demoreader"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/mapdata"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/orchestrate"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/settings"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/source"
)

const (
	// Port is fixed by the wire protocol; only the bind host varies.
	Port = 8765

	// ProtocolVersion is advertised in the welcome frame.
	ProtocolVersion = "1.0"

	// replayCap bounds the snapshot replay queue; replayOnConnect is how
	// many of its newest entries a fresh subscriber receives.
	replayCap       = 100
	replayOnConnect = 10

	// Keepalive: a read stalled past pingAfter triggers a ping; no pong
	// within pongWait closes the connection.
	pingAfter = 15 * time.Second
	pongWait  = 10 * time.Second

	writeTimeout = 10 * time.Second

	// fanoutTick is how often the distributor checks the versioned pull
	// surfaces (status, state, demo list) for changes.
	fanoutTick = 200 * time.Millisecond

	sendQueueCap = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Subscribers are render clients on arbitrary hosts; the transport
	// carries no credentials, so any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one connected subscriber.
type client struct {
	id   string
	ip   string
	conn *websocket.Conn
	send chan encodedFrame
}

// Broadcaster owns the connection registry and the outbound fan-out.
type Broadcaster struct {
	cfg    settings.ServerConfig
	orch   *orchestrate.Orchestrator
	src    *source.Source
	enc    *encoder
	logger *log.Logger

	limiter *ConnLimiter

	mu      sync.Mutex
	clients map[*client]bool
	replay  []*demoreader.Snapshot

	server  *http.Server
	stopCh  chan struct{}
	stopped sync.Once
}

// New builds a Broadcaster over the orchestrator's pull surfaces.
func New(cfg settings.ServerConfig, orch *orchestrate.Orchestrator, src *source.Source) *Broadcaster {
	b := &Broadcaster{
		cfg:     cfg,
		orch:    orch,
		src:     src,
		logger:  log.New(os.Stderr, "[broadcast] ", log.LstdFlags),
		limiter: NewConnLimiter(MaxConnectionsPerIP),
		clients: make(map[*client]bool),
		stopCh:  make(chan struct{}),
	}
	b.enc = newEncoder(cfg.BinaryEncoding, cfg.MsgpackRefreshInterval, orch.RecordEncoding)
	return b
}

// LastMsgBytes exposes the encoder's current bookkeeping value.
func (b *Broadcaster) LastMsgBytes() int { return b.enc.LastMsgBytes() }

// EncoderFallbacks counts frames that fell back to text encoding.
func (b *Broadcaster) EncoderFallbacks() uint64 { return b.enc.Fallbacks() }

// ClientCount returns the number of connected subscribers.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Router builds the HTTP surface hosting the WebSocket upgrade. Pure: no
// goroutines, no listeners; safe for httptest.
func (b *Broadcaster) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	r.Get("/", b.handleUpgrade)
	r.Get("/ws", b.handleUpgrade)
	return r
}

// Start binds the listener and runs the distributor. Bind failure is the
// one unrecoverable startup error and is returned to the caller.
func (b *Broadcaster) Start() error {
	addr := fmt.Sprintf("%s:%d", b.cfg.BindHost, Port)
	b.server = &http.Server{Addr: addr, Handler: b.Router()}

	go b.distribute()

	b.logger.Printf("listening on ws://%s", addr)
	if err := b.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	return nil
}

// Stop closes the listener and every subscriber connection.
func (b *Broadcaster) Stop() {
	b.stopped.Do(func() {
		close(b.stopCh)
		if b.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = b.server.Shutdown(ctx)
		}
		b.mu.Lock()
		for c := range b.clients {
			close(c.send)
			_ = c.conn.Close()
		}
		b.clients = map[*client]bool{}
		b.mu.Unlock()
	})
}

// distribute consumes the orchestrator's snapshot stream and the
// versioned pull surfaces, encoding each frame once and fanning it out in
// order to every subscriber's queue.
func (b *Broadcaster) distribute() {
	ticker := time.NewTicker(fanoutTick)
	defer ticker.Stop()

	var statusV, listV, stateV uint64
	_, statusV = b.orch.Status()
	_, listV = b.orch.DemoList()
	_, stateV = b.orch.State()

	for {
		select {
		case <-b.stopCh:
			return

		case snap, ok := <-b.orch.Snapshots():
			if !ok {
				return
			}
			b.mu.Lock()
			b.replay = append(b.replay, snap)
			if len(b.replay) > replayCap {
				b.replay = b.replay[len(b.replay)-replayCap:]
			}
			b.mu.Unlock()
			b.fanout(b.snapshotFrame(snap))

		case <-ticker.C:
			if status, v := b.orch.Status(); v != statusV {
				statusV = v
				b.fanout(statusFrame(status))
			}
			if state, v := b.orch.State(); v != stateV {
				stateV = v
				b.fanout(b.stateFrame(state))
			}
			if entries, v := b.orch.DemoList(); v != listV {
				listV = v
				b.fanout(b.demoListFrame(entries))
			}
		}
	}
}

// fanout encodes once and enqueues to every subscriber, dropping the
// frame for clients whose queue is full (slow-consumer backpressure).
func (b *Broadcaster) fanout(frame map[string]any) {
	encoded, err := b.enc.encode(frame)
	if err != nil {
		b.logger.Printf("encode %v frame: %v", frame["type"], err)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- encoded:
		default:
		}
	}
}

// ── frame construction ──────────────────────────────────────────────────

func statusFrame(status orchestrate.Status) map[string]any {
	return map[string]any{
		"type":       "status",
		"message":    status.Message,
		"level":      status.Level,
		"expires_in": status.ExpiresIn,
	}
}

func (b *Broadcaster) stateFrame(state orchestrate.StateInfo) map[string]any {
	return map[string]any{
		"type":          "state",
		"mode":          string(state.Mode),
		"selected_demo": state.SelectedDemo,
		"map_override":  state.MapOverride,
		"demo_valid":    state.DemoValid,
		"demo_loading":  state.DemoLoading,
		"bounds_safe":   state.BoundsSafe,
	}
}

func (b *Broadcaster) demoListFrame(entries []source.Entry) map[string]any {
	state, _ := b.orch.State()
	demos := make([]any, 0, len(entries))
	for _, e := range entries {
		demos = append(demos, map[string]any{
			"name":  e.Name,
			"size":  e.Size,
			"mtime": e.MTime,
		})
	}
	return map[string]any{
		"type":          "demo_list",
		"demos":         demos,
		"mode":          string(state.Mode),
		"selected_demo": state.SelectedDemo,
	}
}

// snapshotFrame renders a position_update with the orchestrator's
// bookkeeping and the map override merge applied.
func (b *Broadcaster) snapshotFrame(snap *demoreader.Snapshot) map[string]any {
	frame := snap.ToFrame()
	for k, v := range b.orch.FrameExtras(snap) {
		frame[k] = v
	}
	state, _ := b.orch.State()
	if state.MapOverride != "" {
		b.applyMapOverride(frame, state.MapOverride)
	}
	return frame
}

// applyMapOverride swaps the frame's map for the override, merging the
// registry definition with whatever bounds/transform/z-range the
// snapshot already carried. When neither bounds nor z-range survive, the
// client has nothing trustworthy to project against and bounds_safe goes
// false.
func (b *Broadcaster) applyMapOverride(frame map[string]any, override string) {
	mc, _ := frame["map_config"].(map[string]any)
	merged := map[string]any{"map": override}
	if def, ok := mapdata.Lookup(override); ok {
		merged["scale"] = def.Scale
		merged["radar_scale"] = def.RadarScale
		merged["width"] = def.Width
		merged["height"] = def.Height
	}
	boundsSafe := false
	if mc != nil {
		if wb, ok := mc["world_bounds"]; ok {
			merged["world_bounds"] = wb
			boundsSafe = true
		}
		if zr, ok := mc["z_range"]; ok {
			merged["z_range"] = zr
			boundsSafe = true
		}
		if tr, ok := mc["world_transform"]; ok {
			merged["world_transform"] = tr
		}
	}
	frame["map_config"] = merged
	frame["bounds_safe"] = boundsSafe
	b.orch.SetBoundsSafe(boundsSafe)
}

func (b *Broadcaster) welcomeFrame(c *client) map[string]any {
	entries, _ := b.src.Rescan()
	state, _ := b.orch.State()

	demos := make([]any, 0, len(entries))
	for _, e := range entries {
		demos = append(demos, map[string]any{
			"name":  e.Name,
			"size":  e.Size,
			"mtime": e.MTime,
		})
	}
	return map[string]any{
		"type":                     "connection",
		"message":                  "connected to cs2 live demo stream",
		"version":                  ProtocolVersion,
		"client_id":                c.id,
		"maps_available":           mapdata.Keys(),
		"timestamp":                float64(time.Now().UnixNano()) / 1e9,
		"mode":                     string(state.Mode),
		"selected_demo":            state.SelectedDemo,
		"demos":                    demos,
		"msgpack_refresh_interval": b.cfg.MsgpackRefreshInterval,
		"map_override":             state.MapOverride,
		"demo_valid":               state.DemoValid,
		"demo_loading":             state.DemoLoading,
		"bounds_safe":              state.BoundsSafe,
	}
}

// ── connection lifecycle ────────────────────────────────────────────────

func (b *Broadcaster) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if b.ClientCount() >= MaxConnectionsTotal {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if !b.limiter.Allow(ip) {
		http.Error(w, "too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.limiter.Release(ip)
		b.logger.Printf("upgrade from %s: %v", ip, err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		ip:   ip,
		conn: conn,
		send: make(chan encodedFrame, sendQueueCap),
	}

	// Welcome and replay happen before the client joins the fan-out, so
	// replayed snapshots never interleave with live ones.
	welcome := b.welcomeFrame(c)
	if !b.sendDirect(c, welcome) {
		b.limiter.Release(ip)
		_ = conn.Close()
		return
	}
	for _, snap := range b.replayTail() {
		if !b.sendDirect(c, b.snapshotFrame(snap)) {
			b.limiter.Release(ip)
			_ = conn.Close()
			return
		}
	}

	b.register(c)
	go b.writeLoop(c)
	go b.readLoop(c)
}

func (b *Broadcaster) replayTail() []*demoreader.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	if len(b.replay) > replayOnConnect {
		start = len(b.replay) - replayOnConnect
	}
	return append([]*demoreader.Snapshot(nil), b.replay[start:]...)
}

func (b *Broadcaster) sendDirect(c *client, frame map[string]any) bool {
	encoded, err := b.enc.encode(frame)
	if err != nil {
		return false
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(encoded.messageType, encoded.payload) == nil
}

func (b *Broadcaster) register(c *client) {
	b.mu.Lock()
	b.clients[c] = true
	count := len(b.clients)
	b.mu.Unlock()
	b.orch.RecordClients(count)
	b.logger.Printf("client %s connected from %s (%d total)", c.id[:8], c.ip, count)
}

func (b *Broadcaster) unregister(c *client) {
	b.mu.Lock()
	_, present := b.clients[c]
	if present {
		delete(b.clients, c)
		close(c.send)
	}
	count := len(b.clients)
	b.mu.Unlock()
	if !present {
		return
	}
	b.limiter.Release(c.ip)
	_ = c.conn.Close()
	b.orch.RecordClients(count)
	b.logger.Printf("client %s disconnected (%d remaining)", c.id[:8], count)
}

// writeLoop drains the client's queue and keeps the connection alive with
// a ping every pingAfter, whether or not other frames were written;
// readLoop's read deadline closes the connection when no pong follows.
func (b *Broadcaster) writeLoop(c *client) {
	pingTicker := time.NewTicker(pingAfter)
	defer pingTicker.Stop()
	defer b.unregister(c)

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(frame.messageType, frame.payload); err != nil {
				return
			}
		case <-pingTicker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop receives inbound command frames. Malformed frames are
// ignored; over-rate connections are dropped.
func (b *Broadcaster) readLoop(c *client) {
	defer b.unregister(c)

	limiter := newCommandLimiter()
	_ = c.conn.SetReadDeadline(time.Now().Add(pingAfter + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingAfter + pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pingAfter + pongWait))
		if !limiter.Allow() {
			b.logger.Printf("client %s over command rate, closing", c.id[:8])
			return
		}
		b.dispatch(c, payload)
	}
}

// dispatch parses one inbound command frame and routes it. The demo-list
// request is served from here directly (forced rescan); everything else
// goes to the orchestrator's command channel.
func (b *Broadcaster) dispatch(c *client, payload []byte) {
	var cmd orchestrate.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return
	}
	if cmd.Type == "" {
		return
	}
	if cmd.Type == "request_demos" {
		entries, _ := b.src.Rescan()
		// Answer the asking client immediately, even if the version is
		// unchanged for everyone else.
		if encoded, err := b.enc.encode(b.demoListFrame(entries)); err == nil {
			select {
			case c.send <- encoded:
			default:
			}
		}
		return
	}
	b.orch.Dispatch(cmd)
}
