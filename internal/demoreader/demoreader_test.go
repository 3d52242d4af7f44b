package demoreader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebastianspicker/cs2-live-demo-parser/internal/bounds"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/decoder"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/decoder/fake"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/settings"
)

func testConfig() settings.ReaderConfig {
	cfg := settings.DefaultReader()
	cfg.EventParseInterval = 0 // no throttle in unit tests
	return cfg
}

func emptyResolver(t *testing.T) *bounds.Resolver {
	t.Helper()
	dir := t.TempDir()
	return bounds.NewResolver(
		filepath.Join(dir, "none.json"), filepath.Join(dir, "ov"), filepath.Join(dir, "bolt"))
}

// writeDemoFile creates a demo file of the given size; grow simulates the
// server appending to it between polls.
func writeDemoFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "live.dem")
	buf := append([]byte("HL2DEMO\x00"), make([]byte, size)...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func grow(t *testing.T, path string, n int) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Write(make([]byte, n)); err != nil {
		t.Fatal(err)
	}
}

func playerRow(tick, steamID int64, team int, health int, x, y float64) decoder.Row {
	return decoder.Row{
		"tick": tick, "steamid": steamID, "team_num": team,
		"health": health, "X": x, "Y": y, "Z": 10.0, "yaw": 90.04,
		"balance": 4000, "life_state": int64(0),
	}
}

func newTestReader(t *testing.T, src *fake.Source, path string) *Reader {
	t.Helper()
	return New(src, path, testConfig(), emptyResolver(t))
}

func TestParseIncrementalNoUpdateWhenSizeUnchanged(t *testing.T) {
	path := writeDemoFile(t, 100)
	src := fake.New()
	src.Hdr = decoder.Header{MapName: "de_mirage", PlaybackTicks: 6400, PlaybackTime: 100}
	src.Ticks = []decoder.Row{playerRow(10, 1, 3, 100, 1, 2)}

	r := newTestReader(t, src, path)
	snap, ok, err := r.ParseIncremental()
	if err != nil || !ok {
		t.Fatalf("first poll: ok=%v err=%v", ok, err)
	}
	if snap.Tick != 10 {
		t.Fatalf("tick = %d, want 10", snap.Tick)
	}

	// Same file size: must return no update without calling the decoder.
	calls := src.ParseCalls
	_, ok, err = r.ParseIncremental()
	if err != nil || ok {
		t.Fatalf("unchanged file: ok=%v err=%v", ok, err)
	}
	if src.ParseCalls != calls {
		t.Fatal("decoder called despite unchanged file size")
	}
}

func TestTickWindowGrowthAndProbe(t *testing.T) {
	path := writeDemoFile(t, 100)
	src := fake.New()
	src.Hdr = decoder.Header{MapName: "de_mirage"}

	r := newTestReader(t, src, path)
	// Three polls with no rows at all.
	for i := 0; i < 3; i++ {
		grow(t, path, 10)
		if _, ok, err := r.ParseIncremental(); ok || err != nil {
			t.Fatalf("poll %d: ok=%v err=%v", i, ok, err)
		}
	}
	if r.tickWindow != 512 {
		t.Fatalf("window = %d after third empty poll, want 512", r.tickWindow)
	}
	// The growth poll issues the normal parse plus one oversized probe.
	// Window request math: probe range is 4x the pre-growth window.
	src.Ticks = []decoder.Row{playerRow(1000, 1, 2, 100, 0, 0)}
	grow(t, path, 10)
	snap, ok, err := r.ParseIncremental()
	if err != nil || !ok {
		t.Fatalf("growth poll: ok=%v err=%v", ok, err)
	}
	if snap.Tick != 1000 {
		t.Fatalf("tick = %d, want 1000 (inside the 4x512 probe)", snap.Tick)
	}
	// Success shrinks the window back toward min.
	if r.tickWindow != 512 {
		t.Fatalf("window = %d after success, want 512 (halved from 1024)", r.tickWindow)
	}
}

func TestWindowShrinksTowardMinAfterSuccess(t *testing.T) {
	path := writeDemoFile(t, 100)
	src := fake.New()
	src.Hdr = decoder.Header{MapName: "de_mirage"}
	r := newTestReader(t, src, path)
	r.tickWindow = 2048

	src.Ticks = []decoder.Row{playerRow(5, 1, 3, 100, 0, 0)}
	grow(t, path, 10)
	if _, ok, _ := r.ParseIncremental(); !ok {
		t.Fatal("expected update")
	}
	if r.tickWindow != 1024 {
		t.Fatalf("window = %d, want 1024", r.tickWindow)
	}
}

func TestSnapshotMonotonicTicks(t *testing.T) {
	path := writeDemoFile(t, 100)
	src := fake.New()
	src.Hdr = decoder.Header{MapName: "de_mirage", PlaybackTicks: 6400, PlaybackTime: 100}
	src.Ticks = []decoder.Row{playerRow(10, 1, 3, 100, 1, 2)}

	r := newTestReader(t, src, path)
	s1, ok, _ := r.ParseIncremental()
	if !ok {
		t.Fatal("first poll produced nothing")
	}
	src.Ticks = append(src.Ticks, playerRow(20, 1, 3, 90, 3, 4))
	grow(t, path, 10)
	s2, ok, _ := r.ParseIncremental()
	if !ok {
		t.Fatal("second poll produced nothing")
	}
	if s2.Tick <= s1.Tick {
		t.Fatalf("ticks not strictly increasing: %d then %d", s1.Tick, s2.Tick)
	}
}

func TestShrunkFileResetsState(t *testing.T) {
	path := writeDemoFile(t, 1000)
	src := fake.New()
	src.Hdr = decoder.Header{MapName: "de_mirage"}
	src.Ticks = []decoder.Row{playerRow(50, 1, 3, 100, 0, 0)}

	r := newTestReader(t, src, path)
	if _, ok, _ := r.ParseIncremental(); !ok {
		t.Fatal("first poll produced nothing")
	}
	if r.lastTick != 50 {
		t.Fatalf("lastTick = %d", r.lastTick)
	}

	// Replace with a smaller file: reader must reset and re-read from 0.
	if err := os.WriteFile(path, append([]byte("HL2DEMO\x00"), make([]byte, 50)...), 0o644); err != nil {
		t.Fatal(err)
	}
	src.Ticks = []decoder.Row{playerRow(5, 1, 3, 100, 0, 0)}
	snap, ok, err := r.ParseIncremental()
	if err != nil || !ok {
		t.Fatalf("post-shrink poll: ok=%v err=%v", ok, err)
	}
	if snap.Tick != 5 {
		t.Fatalf("tick = %d, want 5 (fresh read)", snap.Tick)
	}
}

func TestFixedBoundsNeverWiden(t *testing.T) {
	dir := t.TempDir()
	boundsFile := filepath.Join(dir, "bounds.json")
	body := `{"Mirage": {"min_x": -100, "max_x": 100, "min_y": -200, "max_y": 200}}`
	if err := os.WriteFile(boundsFile, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	resolver := bounds.NewResolver(boundsFile, "", "")

	path := writeDemoFile(t, 100)
	src := fake.New()
	src.Hdr = decoder.Header{MapName: "de_mirage"}
	// Player far outside the fixed bounds.
	src.Ticks = []decoder.Row{playerRow(10, 1, 3, 100, 9999, -9999)}

	r := New(src, path, testConfig(), resolver)
	snap, ok, _ := r.ParseIncremental()
	if !ok {
		t.Fatal("no snapshot")
	}
	wb := snap.MapConfig.WorldBounds
	if wb == nil || wb.MinX != -100 || wb.MaxX != 100 || wb.MinY != -200 || wb.MaxY != 200 {
		t.Fatalf("fixed bounds changed: %+v", wb)
	}
}

func TestUnfixedBoundsWidenFromObservations(t *testing.T) {
	path := writeDemoFile(t, 100)
	src := fake.New()
	src.Hdr = decoder.Header{MapName: "de_mirage"}
	src.Ticks = []decoder.Row{
		playerRow(10, 1, 3, 100, -50, 25),
		playerRow(10, 2, 2, 100, 75, -10),
	}

	r := newTestReader(t, src, path)
	snap, ok, _ := r.ParseIncremental()
	if !ok {
		t.Fatal("no snapshot")
	}
	wb := snap.MapConfig.WorldBounds
	if wb.MinX != -50 || wb.MaxX != 75 || wb.MinY != -10 || wb.MaxY != 25 {
		t.Fatalf("observed hull wrong: %+v", wb)
	}
}

func TestParseWindowAlwaysRefreshesEvents(t *testing.T) {
	path := writeDemoFile(t, 100)
	src := fake.New()
	src.Hdr = decoder.Header{MapName: "de_mirage"}
	src.Events = []string{"round_start"}
	src.Ticks = []decoder.Row{playerRow(100, 1, 3, 100, 0, 0)}
	src.EventRows["round_start"] = []decoder.Row{{"tick": int64(50)}}

	r := newTestReader(t, src, path)
	snap, ok, err := r.ParseWindow(0, 256)
	if err != nil || !ok {
		t.Fatalf("window parse: ok=%v err=%v", ok, err)
	}
	if snap.Round != 1 {
		t.Fatalf("round = %d, want 1 (event refreshed)", snap.Round)
	}
}

func TestDerivedMetrics(t *testing.T) {
	path := writeDemoFile(t, 100)
	src := fake.New()
	src.Hdr = decoder.Header{MapName: "de_mirage", PlaybackTicks: 6400, PlaybackTime: 100}
	src.Ticks = []decoder.Row{playerRow(128, 1, 3, 100, 0, 0)}

	r := newTestReader(t, src, path)
	snap, ok, _ := r.ParseIncremental()
	if !ok {
		t.Fatal("no snapshot")
	}
	if snap.DemoTickRate != 64 {
		t.Errorf("tick rate = %v, want 64", snap.DemoTickRate)
	}
	if snap.DemoTime != 2 {
		t.Errorf("demo time = %v, want 2s", snap.DemoTime)
	}
	if snap.DemoRemaining != 98 {
		t.Errorf("remaining = %v, want 98s", snap.DemoRemaining)
	}
	if snap.UpdateCount != 1 || snap.AvgParseMs < 0 {
		t.Errorf("bookkeeping wrong: count=%d avg=%v", snap.UpdateCount, snap.AvgParseMs)
	}
}

func TestEventThrottle(t *testing.T) {
	path := writeDemoFile(t, 100)
	src := fake.New()
	src.Hdr = decoder.Header{MapName: "de_mirage"}
	src.Events = []string{"round_start"}
	src.Ticks = []decoder.Row{playerRow(10, 1, 3, 100, 0, 0)}
	src.EventRows["round_start"] = []decoder.Row{{"tick": int64(5)}}

	cfg := settings.DefaultReader()
	cfg.EventParseInterval = time.Hour // never elapses after the first refresh
	r := New(src, path, cfg, emptyResolver(t))

	snap, ok, _ := r.ParseIncremental()
	if !ok || snap.Round != 1 {
		t.Fatalf("first poll: ok=%v round=%d", ok, snap.Round)
	}

	// New round event lands, but throttle holds the previous event state.
	src.EventRows["round_start"] = append(src.EventRows["round_start"], decoder.Row{"tick": int64(15)})
	src.Ticks = append(src.Ticks, playerRow(20, 1, 3, 100, 0, 0))
	grow(t, path, 10)
	snap, ok, _ = r.ParseIncremental()
	if !ok {
		t.Fatal("second poll produced nothing")
	}
	if snap.Round != 1 {
		t.Fatalf("round = %d, want 1 (throttled)", snap.Round)
	}
}
