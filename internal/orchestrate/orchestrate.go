// Package orchestrate runs the polling loop that turns demo files into a
// stream of Snapshots: the LIVE/MANUAL mode state machine, the adaptive
// poll interval, the single-slot status bus, and the executor selection
// for where the decoder work runs. It talks to the broadcaster through
// channels, versioned pull surfaces and a few locked methods (bounds
// safety, client count, encoding samples, frame extras); neither side
// touches the other's fields directly.
package orchestrate

import (
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/sebastianspicker/cs2-live-demo-parser/internal/demoreader"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/mapdata"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/settings"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/source"
)

// Mode is the orchestrator's top-level state.
type Mode string

const (
	// ModeLive auto-follows the most recently modified valid demo.
	ModeLive Mode = "live"
	// ModeManual scrubs a user-selected demo with a virtual playhead.
	ModeManual Mode = "manual"
)

// Adaptive poll tuning thresholds.
const (
	lagHighSec     = 1.0
	lagLowSec      = 0.4
	lagHighStreak  = 2
	lagLowStreak   = 10
	intervalStepMS = 100
)

// Command is one inbound subscriber command, dispatched by the
// broadcaster into the orchestrator's bounded command channel.
type Command struct {
	Type     string   `json:"type"`
	Mode     string   `json:"mode,omitempty"`
	Name     string   `json:"name,omitempty"`
	Action   string   `json:"action,omitempty"`
	Tick     *float64 `json:"tick,omitempty"`
	Time     *float64 `json:"time,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
	Interval *float64 `json:"interval,omitempty"`
	Map      string   `json:"map,omitempty"`
}

// StateInfo is the client-visible orchestrator state, pushed to
// subscribers whenever it changes.
type StateInfo struct {
	Mode             Mode
	SelectedDemo     string
	MapOverride      string
	DemoValid        bool
	DemoLoading      bool
	BoundsSafe       bool
	SamplingInterval float64
}

// Orchestrator coordinates DemoSource, the executor-hosted DemoReader,
// and the outbound snapshot stream.
type Orchestrator struct {
	cfg    settings.AppConfig
	src    *source.Source
	exec   Executor
	status *StatusBus
	logger *log.Logger

	commands  chan Command
	snapshots chan *demoreader.Snapshot

	mu           sync.Mutex
	state        StateInfo
	stateVersion uint64
	activeDemo   string // live-mode demo name currently followed
	activePath   string

	playbackTick    float64
	playbackPlaying bool
	playbackSpeed   float64

	pollInterval time.Duration
	highStreak   int
	lowStreak    int

	cmdCount    int64
	updateCount int64
	lastTick    int64
	lastMap     string
	startTime   time.Time
	metrics     metricsState

	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped sync.Once
}

// New builds an Orchestrator. Run must be called to start polling.
func New(cfg settings.AppConfig, src *source.Source, exec Executor) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		src:    src,
		exec:   exec,
		status: NewStatusBus(),
		logger: log.New(os.Stderr, "[orchestrate] ", log.LstdFlags),
		state: StateInfo{
			Mode:             ModeLive,
			BoundsSafe:       true,
			SamplingInterval: 1,
		},
		playbackSpeed: 1,
		pollInterval:  cfg.Poll.Interval,
		commands:      make(chan Command, 32),
		snapshots:     make(chan *demoreader.Snapshot, 16),
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Commands is the bounded inbound command channel. Senders must not
// block: drop on a full channel.
func (o *Orchestrator) Commands() chan<- Command { return o.commands }

// Dispatch enqueues a command best-effort, counting it either way.
func (o *Orchestrator) Dispatch(cmd Command) {
	o.mu.Lock()
	o.cmdCount++
	o.mu.Unlock()
	commandsTotal.Inc()
	select {
	case o.commands <- cmd:
	default:
		o.logger.Printf("command channel full, dropping %s", cmd.Type)
	}
}

// Snapshots is the outbound snapshot stream.
func (o *Orchestrator) Snapshots() <-chan *demoreader.Snapshot { return o.snapshots }

// Status returns the current advisory and its version.
func (o *Orchestrator) Status() (Status, uint64) { return o.status.Get() }

// PostStatus publishes an advisory on the bus.
func (o *Orchestrator) PostStatus(message, level string, expiresIn int) {
	o.status.Post(message, level, expiresIn)
}

// State returns the client-visible state and its version.
func (o *Orchestrator) State() (StateInfo, uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.stateVersion
}

// DemoList returns the latest directory scan and its version.
func (o *Orchestrator) DemoList() ([]source.Entry, uint64) { return o.src.List() }

// SetBoundsSafe records whether the current map override left the client
// any trustworthy bounds to project against.
func (o *Orchestrator) SetBoundsSafe(safe bool) {
	o.mutateState(func(s *StateInfo) { s.BoundsSafe = safe })
}

// RecordClients lets the broadcaster feed the connected-client gauge.
func (o *Orchestrator) RecordClients(n int) { o.metrics.recordClients(n) }

// RecordEncoding lets the broadcaster feed the rolling compression ratio.
func (o *Orchestrator) RecordEncoding(binaryLen, textLen int) {
	o.metrics.recordEncoding(binaryLen, textLen)
}

// Metrics returns the aggregate operational report.
func (o *Orchestrator) Metrics() MetricsReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics.mu.Lock()
	avgParse := o.metrics.parseMs.avg()
	lastParse := o.metrics.parseMs.last()
	clients := int(o.metrics.clientCounts.last())
	o.metrics.mu.Unlock()
	return MetricsReport{
		UptimeSeconds:      time.Since(o.startTime).Seconds(),
		ConnectedClients:   clients,
		AvgParseMs:         avgParse,
		LastParseMs:        lastParse,
		CompressionPercent: o.metrics.compressionPercent(),
		LastTick:           o.lastTick,
		LastMap:            o.lastMap,
		ExecutorMode:       o.exec.Mode(),
		PollInterval:       o.pollInterval.Seconds(),
		UpdateCount:        o.updateCount,
		CommandCount:       o.cmdCount,
	}
}

// Run starts the polling loop.
func (o *Orchestrator) Run() {
	go o.loop()
}

// Stop terminates the polling loop and the executor.
func (o *Orchestrator) Stop() {
	o.stopped.Do(func() {
		close(o.stopCh)
		<-o.doneCh
		o.exec.Stop()
	})
}

func (o *Orchestrator) loop() {
	defer close(o.doneCh)
	for {
		o.mu.Lock()
		interval := o.pollInterval
		o.mu.Unlock()
		pollIntervalGauge.Set(interval.Seconds())

		select {
		case <-o.stopCh:
			return
		case cmd := <-o.commands:
			o.apply(cmd)
		case <-time.After(interval):
			o.drainCommands()
			o.poll()
		}
	}
}

func (o *Orchestrator) drainCommands() {
	for {
		select {
		case cmd := <-o.commands:
			o.apply(cmd)
		default:
			return
		}
	}
}

// mutateState runs fn under the lock and bumps the state version.
func (o *Orchestrator) mutateState(fn func(*StateInfo)) {
	o.mu.Lock()
	before := o.state
	fn(&o.state)
	if o.state != before {
		o.stateVersion++
	}
	o.mu.Unlock()
}

func (o *Orchestrator) poll() {
	o.src.Rescan()

	o.mu.Lock()
	mode := o.state.Mode
	o.mu.Unlock()

	switch mode {
	case ModeLive:
		o.pollLive()
	case ModeManual:
		o.pollManual()
	}
}

func (o *Orchestrator) pollLive() {
	latest, ok := o.src.Latest()
	if !ok {
		o.mu.Lock()
		hadDemo := o.activeDemo != ""
		o.activeDemo = ""
		o.activePath = ""
		o.mu.Unlock()
		if hadDemo {
			_ = o.exec.SetDemo("")
		}
		o.mutateState(func(s *StateInfo) { s.DemoValid = false })
		if hadDemo {
			o.status.Post("No valid demo found in demo directory", LevelWarning, StickyExpiry)
		}
		return
	}

	o.mu.Lock()
	changed := latest.Name != o.activeDemo
	o.mu.Unlock()
	if changed {
		if err := o.exec.SetDemo(latest.Path); err != nil {
			o.logger.Printf("set demo %s: %v", latest.Name, err)
			o.status.Post("Failed to open demo "+latest.Name, LevelError, StickyExpiry)
			return
		}
		o.mu.Lock()
		o.activeDemo = latest.Name
		o.activePath = latest.Path
		o.mu.Unlock()
		o.mutateState(func(s *StateInfo) {
			s.DemoValid = true
			s.DemoLoading = true
		})
		o.status.Post("Now following "+latest.Name, LevelInfo, TransientExpiryMS)
		o.logger.Printf("live demo: %s", latest.Name)
	}

	snap, ok, err := o.exec.PollIncremental()
	if err != nil {
		// Transient parse error: logged, no state mutation, retried next
		// tick.
		o.logger.Printf("poll %s: %v", latest.Name, err)
		return
	}
	if !ok {
		o.tuneInterval(o.liveLag(latest.Path))
		return
	}

	o.mutateState(func(s *StateInfo) { s.DemoLoading = false })
	o.publish(snap)
	o.tuneInterval(o.liveLag(latest.Path))
}

func (o *Orchestrator) pollManual() {
	o.mu.Lock()
	selected := o.state.SelectedDemo
	playing := o.playbackPlaying
	speed := o.playbackSpeed
	interval := o.pollInterval
	o.mu.Unlock()
	if selected == "" {
		return
	}

	if playing {
		rate := o.exec.TickRate()
		total := o.exec.TotalTicks()
		o.mu.Lock()
		o.playbackTick += rate * interval.Seconds() * speed
		if total > 0 && o.playbackTick >= float64(total-1) {
			o.playbackTick = float64(total - 1)
			o.playbackPlaying = false
			playing = false
		}
		o.mu.Unlock()
		if !playing {
			o.status.Post("Playback reached end of demo", LevelInfo, TransientExpiryMS)
		}
	}

	o.mu.Lock()
	start := int64(math.Floor(o.playbackTick))
	o.mu.Unlock()

	snap, ok, err := o.exec.PollWindow(start, int64(o.cfg.Reader.TickWindow))
	if err != nil {
		o.logger.Printf("window poll %s@%d: %v", selected, start, err)
		return
	}
	if !ok {
		return
	}
	o.mutateState(func(s *StateInfo) { s.DemoLoading = false })
	o.publish(snap)
}

// liveLag is seconds between now and the demo file's mtime, floored at 0.
func (o *Orchestrator) liveLag(path string) float64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	lag := time.Since(info.ModTime()).Seconds()
	if lag < 0 {
		return 0
	}
	return lag
}

// tuneInterval adapts the live poll period: sustained lag speeds polling
// up (floored), a sustained comfortable lead slows it back down (capped
// at the configured base).
func (o *Orchestrator) tuneInterval(lag float64) {
	liveLagGauge.Set(lag)
	o.mu.Lock()
	defer o.mu.Unlock()

	step := intervalStepMS * time.Millisecond
	switch {
	case lag > lagHighSec:
		o.highStreak++
		o.lowStreak = 0
		if o.highStreak >= lagHighStreak {
			if next := o.pollInterval - step; next >= o.cfg.Poll.MinInterval {
				o.pollInterval = next
				o.logger.Printf("lag %.2fs, poll interval -> %s", lag, o.pollInterval)
			}
			o.highStreak = 0
		}
	case lag < lagLowSec:
		o.lowStreak++
		o.highStreak = 0
		if o.lowStreak >= lagLowStreak {
			if next := o.pollInterval + step; next <= o.cfg.Poll.Interval {
				o.pollInterval = next
				o.logger.Printf("lag %.2fs, poll interval -> %s", lag, o.pollInterval)
			}
			o.lowStreak = 0
		}
	default:
		o.highStreak = 0
		o.lowStreak = 0
	}
}

// publish records the snapshot's tick, map and parse time in the
// orchestrator's bookkeeping (the snapshot itself is not modified) and
// hands it to the bounded outbound channel, dropping the oldest entry
// under backpressure.
func (o *Orchestrator) publish(snap *demoreader.Snapshot) {
	o.mu.Lock()
	o.lastTick = snap.Tick
	o.lastMap = snap.MapConfig.Map
	o.updateCount++
	o.mu.Unlock()
	o.metrics.recordParse(snap.ParseMs)

	select {
	case o.snapshots <- snap:
	default:
		select {
		case <-o.snapshots:
		default:
		}
		select {
		case o.snapshots <- snap:
		default:
		}
	}
}

// FrameExtras returns the orchestrator-side keys merged into each
// position_update frame.
func (o *Orchestrator) FrameExtras(snap *demoreader.Snapshot) map[string]any {
	o.mu.Lock()
	interval := o.pollInterval.Seconds()
	cmds := o.cmdCount
	mode := o.state.Mode
	path := o.activePath
	o.mu.Unlock()

	extras := map[string]any{
		"_server_ts":     float64(time.Now().UnixNano()) / 1e9,
		"_poll_interval": interval,
		"_cmd_count":     cmds,
	}
	if mode == ModeLive && path != "" {
		extras["_live_lag_sec"] = o.liveLag(path)
	}
	return extras
}

func (o *Orchestrator) apply(cmd Command) {
	switch cmd.Type {
	case "set_mode":
		o.applySetMode(cmd)
	case "select_demo":
		o.applySelectDemo(cmd)
	case "playback":
		o.applyPlayback(cmd)
	case "set_sampling":
		if cmd.Interval != nil {
			interval := *cmd.Interval
			if interval < 1 {
				interval = 1
			}
			if interval > 60 {
				interval = 60
			}
			o.mutateState(func(s *StateInfo) { s.SamplingInterval = interval })
		}
	case "set_map_override":
		o.applyMapOverride(cmd)
	case "request_demos":
		o.src.Rescan()
	default:
		// Malformed or unknown commands are ignored.
	}
}

func (o *Orchestrator) applySetMode(cmd Command) {
	switch cmd.Mode {
	case string(ModeLive):
		o.mu.Lock()
		o.playbackTick = 0
		o.playbackPlaying = false
		o.playbackSpeed = 1
		o.activeDemo = ""
		o.activePath = ""
		o.mu.Unlock()
		_ = o.exec.SetDemo("")
		o.mutateState(func(s *StateInfo) {
			s.Mode = ModeLive
			s.SelectedDemo = ""
			s.DemoLoading = false
		})
		o.status.Post("Switched to live mode", LevelInfo, TransientExpiryMS)
	case string(ModeManual):
		o.mutateState(func(s *StateInfo) { s.Mode = ModeManual })
		o.status.Post("Switched to manual mode", LevelInfo, TransientExpiryMS)
	}
}

func (o *Orchestrator) applySelectDemo(cmd Command) {
	path, err := o.src.Resolve(cmd.Name)
	if err != nil {
		o.logger.Printf("select_demo %q rejected: %v", cmd.Name, err)
		o.status.Post("Demo selection rejected: "+cmd.Name, LevelWarning, -1)
		return
	}
	if !source.IsValid(path) {
		o.status.Post("Not a valid demo file: "+cmd.Name, LevelWarning, -1)
		return
	}
	if err := o.exec.SetDemo(path); err != nil {
		o.status.Post("Failed to open demo "+cmd.Name, LevelError, StickyExpiry)
		return
	}
	o.mu.Lock()
	o.playbackTick = 0
	o.playbackPlaying = false
	o.activeDemo = cmd.Name
	o.activePath = path
	o.mu.Unlock()
	o.mutateState(func(s *StateInfo) {
		s.Mode = ModeManual
		s.SelectedDemo = cmd.Name
		s.DemoValid = true
		s.DemoLoading = true
	})
	o.status.Post("Selected demo "+cmd.Name, LevelInfo, TransientExpiryMS)
}

func (o *Orchestrator) applyPlayback(cmd Command) {
	o.mu.Lock()
	manual := o.state.Mode == ModeManual && o.state.SelectedDemo != ""
	o.mu.Unlock()
	if !manual {
		return
	}

	switch cmd.Action {
	case "play":
		o.mu.Lock()
		o.playbackPlaying = true
		o.mu.Unlock()
	case "pause":
		o.mu.Lock()
		o.playbackPlaying = false
		o.mu.Unlock()
	case "seek":
		target := -1.0
		if cmd.Tick != nil {
			target = *cmd.Tick
		} else if cmd.Time != nil {
			target = *cmd.Time * o.exec.TickRate()
		}
		if target < 0 {
			return
		}
		total := o.exec.TotalTicks()
		if total > 0 && target > float64(total-1) {
			target = float64(total - 1)
		}
		o.mu.Lock()
		o.playbackTick = target
		o.mu.Unlock()
		o.exec.Reset()
	case "speed":
		if cmd.Speed != nil && *cmd.Speed > 0 {
			o.mu.Lock()
			o.playbackSpeed = *cmd.Speed
			o.mu.Unlock()
		}
	}
}

func (o *Orchestrator) applyMapOverride(cmd Command) {
	if cmd.Map == "" {
		return
	}
	if cmd.Map == "auto" {
		o.mutateState(func(s *StateInfo) {
			s.MapOverride = ""
			s.BoundsSafe = true
		})
		o.status.Post("Map override cleared", LevelInfo, TransientExpiryMS)
		return
	}
	key := mapdata.Normalize(cmd.Map)
	if key == "" {
		o.status.Post("Unknown map override: "+cmd.Map, LevelWarning, -1)
		return
	}
	o.mutateState(func(s *StateInfo) { s.MapOverride = key })
	o.status.Post("Map override set to "+key, LevelInfo, TransientExpiryMS)
}
