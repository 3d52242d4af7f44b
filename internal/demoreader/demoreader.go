// Package demoreader wraps the external decoder into an incremental
// snapshot producer: it bootstraps per-demo context (map identity, world
// bounds, usable fields), then pulls growing tick windows out of the demo
// file, shrinking the window after success and growing it under empty
// responses so CPU cost stays stable as the file grows.
package demoreader

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sebastianspicker/cs2-live-demo-parser/internal/bounds"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/decoder"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/events"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/mapdata"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/settings"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/worldstate"
)

// wantedFields is the per-tick field set the reader asks the decoder for.
// The actual request is the intersection with what the decoder reports as
// available; if nothing overlaps, the full set is requested anyway.
var wantedFields = []string{
	"X", "Y", "Z", "pitch", "yaw", "health", "armor_value",
	"team_num", "life_state", "has_helmet", "balance",
}

// eventSourceAdapter narrows decoder.Source to the events.Source shape,
// converting row types at the boundary.
type eventSourceAdapter struct {
	src decoder.Source
}

func (a eventSourceAdapter) ListGameEvents() ([]string, error) {
	return a.src.ListGameEvents()
}

func (a eventSourceAdapter) ParseEvents(names []string, playerFields []string) (map[string][]events.Row, error) {
	raw, err := a.src.ParseEvents(names, playerFields)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]events.Row, len(raw))
	for name, rows := range raw {
		converted := make([]events.Row, len(rows))
		for i, r := range rows {
			converted[i] = events.Row(r)
		}
		out[name] = converted
	}
	return out, nil
}

// Reader owns one demo file's decoder handle and produces Snapshots from
// it. Not safe for concurrent use; the orchestrator's executor serializes
// all calls.
type Reader struct {
	src      decoder.Source
	path     string
	name     string
	cfg      settings.ReaderConfig
	resolver *bounds.Resolver
	logger   *log.Logger

	// Per-demo context, built once by ensureContext.
	ctxReady    bool
	header      decoder.Header
	mapKey      string
	wb          bounds.WorldBounds
	fields      []string
	playerNames map[int64]string
	collector   *events.Collector

	// Tick-window loop state.
	lastTick     int64
	tickWindow   int64
	noDataStreak int
	lastSize     int64
	lastMTime    int64
	eventsDirty  bool
	lastRefresh  time.Time

	// Derived-metric state across snapshots.
	prevSize    int64
	prevElapsed float64
	updateCount int64
	parseMsSum  float64
}

// New builds a Reader for path over the given decoder. The demo is not
// opened until the first parse call.
func New(src decoder.Source, path string, cfg settings.ReaderConfig, resolver *bounds.Resolver) *Reader {
	return &Reader{
		src:        src,
		path:       path,
		name:       filepath.Base(path),
		cfg:        cfg,
		resolver:   resolver,
		logger:     log.New(os.Stderr, "[reader] ", log.LstdFlags),
		lastTick:   -1,
		tickWindow: int64(cfg.TickWindow),
	}
}

// Name returns the demo's file name.
func (r *Reader) Name() string { return r.name }

// Path returns the demo's resolved path.
func (r *Reader) Path() string { return r.path }

// MapKey returns the identified map, normalized against the registry when
// possible ("" before the first parse).
func (r *Reader) MapKey() string { return r.mapKey }

// TotalTicks returns the header's playback tick count (0 if unknown).
func (r *Reader) TotalTicks() int64 { return r.header.PlaybackTicks }

// TickRate returns playback_ticks/playback_time, or 0 when the header
// lacks either.
func (r *Reader) TickRate() float64 {
	if r.header.PlaybackTicks <= 0 || r.header.PlaybackTime <= 0 {
		return 0
	}
	return float64(r.header.PlaybackTicks) / r.header.PlaybackTime
}

// Bounds returns the current world bounds and whether they came from a
// trusted source.
func (r *Reader) Bounds() (bounds.WorldBounds, bool) {
	return r.wb, r.wb.Fixed
}

// Close releases the decoder handle.
func (r *Reader) Close() {
	if r.ctxReady {
		_ = r.src.Close()
	}
	r.ctxReady = false
}

// ResetState drops all per-demo caches so the next parse re-bootstraps
// from scratch: used on seek and when the file shrinks underneath us.
func (r *Reader) ResetState() {
	if r.ctxReady {
		_ = r.src.Close()
	}
	r.ctxReady = false
	r.lastTick = -1
	r.tickWindow = int64(r.cfg.TickWindow)
	r.noDataStreak = 0
	r.lastSize = 0
	r.lastMTime = 0
	r.eventsDirty = false
	r.lastRefresh = time.Time{}
	if r.collector != nil {
		r.collector.ResetState()
	}
}

// identifyMap picks the map from the header, falling back to the file
// name, normalized via the registry when it matches a known map.
func (r *Reader) identifyMap() string {
	candidate := r.header.MapName
	if candidate == "" {
		candidate = strings.TrimSuffix(r.name, ".dem")
	}
	if key := mapdata.Normalize(candidate); key != "" {
		return key
	}
	return candidate
}

// ensureContext opens the decoder and builds the per-demo context. It is
// idempotent: once ready, subsequent calls return immediately.
func (r *Reader) ensureContext() error {
	if r.ctxReady {
		return nil
	}
	if err := r.src.Open(r.path); err != nil {
		return fmt.Errorf("open demo: %w", err)
	}
	hdr, err := r.src.Header()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	r.header = hdr
	r.mapKey = r.identifyMap()

	if wb, ok := r.resolver.Resolve(r.mapKey); ok {
		r.wb = wb
	} else {
		// Open hull, widened by observed positions as they arrive.
		r.wb = bounds.WorldBounds{
			MinX: math.Inf(1), MaxX: math.Inf(-1),
			MinY: math.Inf(1), MaxY: math.Inf(-1),
		}
	}

	r.fields = r.probeFields()

	names, err := r.src.ParsePlayerInfo()
	if err != nil {
		names = map[int64]string{}
	}
	r.playerNames = names

	if r.collector == nil {
		r.collector = events.NewCollector(eventSourceAdapter{src: r.src})
	}
	r.collector.ResolveEventNames()

	r.ctxReady = true
	r.logger.Printf("context ready: demo=%s map=%s fields=%d ticks=%d",
		r.name, r.mapKey, len(r.fields), r.header.PlaybackTicks)
	return nil
}

// probeFields intersects the wanted field set with what the decoder
// reports. An empty intersection falls back to the full wanted set.
func (r *Reader) probeFields() []string {
	available, err := r.src.ListUpdatedFields()
	if err != nil || len(available) == 0 {
		return wantedFields
	}
	have := make(map[string]bool, len(available))
	for _, f := range available {
		have[f] = true
	}
	var out []string
	for _, f := range wantedFields {
		if have[f] {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return wantedFields
	}
	return out
}

// ParseIncremental advances the tick window over new demo data. ok is
// false when there is nothing new: unchanged file size, an empty window
// even after growth, or no tick past the previous one.
func (r *Reader) ParseIncremental() (*Snapshot, bool, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		return nil, false, fmt.Errorf("stat demo: %w", err)
	}
	size := info.Size()
	mtime := info.ModTime().Unix()

	if size == r.lastSize {
		return nil, false, nil
	}
	if r.lastSize > 0 && size < r.lastSize {
		// The file shrank: an operator replaced or truncated it. Treat it
		// as a brand-new demo.
		r.logger.Printf("demo %s shrank (%d -> %d bytes), resetting", r.name, r.lastSize, size)
		r.ResetState()
	}
	if size != r.lastSize || mtime != r.lastMTime {
		r.eventsDirty = true
	}
	r.lastSize = size
	r.lastMTime = mtime

	if err := r.ensureContext(); err != nil {
		return nil, false, err
	}

	started := time.Now()
	rows, err := r.src.ParseTicks(r.fields, r.lastTick+1, r.lastTick+1+r.tickWindow)
	if err != nil {
		return nil, false, fmt.Errorf("parse ticks: %w", err)
	}

	if len(rows) == 0 {
		r.noDataStreak++
		if r.noDataStreak >= 3 && r.tickWindow < int64(r.cfg.TickWindowMax) {
			oldWindow := r.tickWindow
			r.tickWindow = oldWindow * 2
			if r.tickWindow > int64(r.cfg.TickWindowMax) {
				r.tickWindow = int64(r.cfg.TickWindowMax)
			}
			r.logger.Printf("no data x%d, window %d -> %d", r.noDataStreak, oldWindow, r.tickWindow)
			rows, err = r.src.ParseTicks(r.fields, r.lastTick+1, r.lastTick+1+4*oldWindow)
			if err != nil {
				return nil, false, fmt.Errorf("parse ticks (probe): %w", err)
			}
		}
		if len(rows) == 0 {
			return nil, false, nil
		}
	}

	latest := latestTick(rows)
	if latest <= r.lastTick {
		return nil, false, nil
	}

	if r.tickWindow > int64(r.cfg.TickWindowMin) {
		r.tickWindow /= 2
		if r.tickWindow < int64(r.cfg.TickWindowMin) {
			r.tickWindow = int64(r.cfg.TickWindowMin)
		}
	}
	r.noDataStreak = 0
	r.lastTick = latest

	if r.eventsDirty && time.Since(r.lastRefresh) >= r.cfg.EventParseInterval {
		r.collector.Refresh(latest, true)
		r.eventsDirty = false
		r.lastRefresh = time.Now()
	}

	snap := r.buildSnapshot(rows, latest, time.Since(started))
	return snap, true, nil
}

// ParseWindow parses one fixed window starting at startTick: no growth, no
// file-change gate, events always refreshed. Used for MANUAL scrubbing.
func (r *Reader) ParseWindow(startTick int64, window int64) (*Snapshot, bool, error) {
	if window <= 0 {
		window = int64(r.cfg.TickWindow)
	}
	if err := r.ensureContext(); err != nil {
		return nil, false, err
	}
	if info, err := os.Stat(r.path); err == nil {
		r.lastSize = info.Size()
		r.lastMTime = info.ModTime().Unix()
	}

	started := time.Now()
	rows, err := r.src.ParseTicks(r.fields, startTick, startTick+window)
	if err != nil {
		return nil, false, fmt.Errorf("parse window: %w", err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	latest := latestTick(rows)
	r.lastTick = latest
	r.collector.Refresh(latest, true)
	snap := r.buildSnapshot(rows, latest, time.Since(started))
	return snap, true, nil
}

func latestTick(rows []decoder.Row) int64 {
	var latest int64 = -1
	for _, row := range rows {
		if t, ok := rowTick(row); ok && t > latest {
			latest = t
		}
	}
	return latest
}

func rowTick(row decoder.Row) (int64, bool) {
	switch t := row["tick"].(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	}
	return 0, false
}

func (r *Reader) buildSnapshot(rows []decoder.Row, latest int64, parseDur time.Duration) *Snapshot {
	var latestRows []worldstate.Row
	for _, row := range rows {
		if t, ok := rowTick(row); ok && t == latest {
			latestRows = append(latestRows, worldstate.Row(row))
		}
	}

	built := worldstate.BuildPlayers(latestRows, r.playerNames, &r.wb)
	eco := worldstate.ComputeEconomy(latestRows)

	elapsed := worldstate.ComputeElapsedSeconds(
		float64(r.header.PlaybackTicks), r.header.PlaybackTime, latest)
	tickRate := r.TickRate()
	remaining := 0.0
	if r.header.PlaybackTime > 0 {
		remaining = r.header.PlaybackTime - elapsed
		if remaining < 0 {
			remaining = 0
		}
	}
	dataRate := 0.0
	if r.prevElapsed > 0 && elapsed > r.prevElapsed && r.prevSize > 0 {
		dataRate = float64(r.lastSize-r.prevSize) / (elapsed - r.prevElapsed)
		if dataRate < 0 {
			dataRate = 0
		}
	}
	r.prevSize = r.lastSize
	r.prevElapsed = elapsed

	parseMs := float64(parseDur.Microseconds()) / 1000
	r.updateCount++
	r.parseMsSum += parseMs

	mc := MapConfig{Map: r.mapKey}
	wb := r.wb
	mc.WorldBounds = &wb
	mc.ZRange = wb.ZRange
	mc.Transform = wb.Transform

	score := r.collector.Score
	return &Snapshot{
		Round:   score.RoundNumber,
		Time:    elapsed,
		CTScore: score.CTScore,
		TScore:  score.TScore,
		Money:   eco,
		Players: built.Players,
		AliveCT: built.AliveCT,
		AliveT:  built.AliveT,

		KillFeed: append([]events.KillFeedEntry(nil), r.collector.KillFeed...),
		Events:   append([]events.EventRecord(nil), r.collector.Events...),

		BombPlanted: r.collector.Bomb.Planted,
		Bomb:        r.collector.Bomb,

		Tick:       latest,
		DataSource: r.name,
		MapConfig:  mc,

		ParseMs:         parseMs,
		DemoTime:        elapsed,
		DemoTickRate:    tickRate,
		DemoRemaining:   remaining,
		DemoDataRateBPS: dataRate,
		FileSize:        r.lastSize,
		FileMTime:       r.lastMTime,
		UpdateCount:     r.updateCount,
		AvgParseMs:      r.parseMsSum / float64(r.updateCount),
	}
}
