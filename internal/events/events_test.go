package events

import "testing"

type fakeSource struct {
	available []string
	frames    map[string][]Row
	batchErr  bool
}

func (f *fakeSource) ListGameEvents() ([]string, error) { return f.available, nil }

func (f *fakeSource) ParseEvents(names []string, playerFields []string) (map[string][]Row, error) {
	if f.batchErr {
		return nil, errFake
	}
	return f.frames, nil
}

var errFake = fakeErr("batch unavailable")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func TestResolveEventNamesPicksFirstAvailableCandidate(t *testing.T) {
	src := &fakeSource{available: []string{"round_prestart", "player_death"}}
	c := NewCollector(src)
	c.ResolveEventNames()
	if c.eventNames["round_start"] != "round_prestart" {
		t.Fatalf("round_start resolved to %q, want round_prestart", c.eventNames["round_start"])
	}
	if c.eventNames["player_death"] != "player_death" {
		t.Fatalf("player_death resolved to %q", c.eventNames["player_death"])
	}
	if _, ok := c.eventNames["bomb_planted"]; ok {
		t.Fatal("bomb_planted should not resolve when absent from available list")
	}
}

func TestRefreshRoundEndScoring(t *testing.T) {
	src := &fakeSource{
		available: []string{"round_end"},
		frames: map[string][]Row{
			"round_end": {
				{"tick": int64(10), "winner": "CT_WIN"},
				{"tick": int64(20), "winner": "TERRORIST"},
			},
		},
	}
	c := NewCollector(src)
	c.ResolveEventNames()
	c.Refresh(100, true)
	if c.Score.CTScore != 1 || c.Score.TScore != 1 {
		t.Fatalf("score = %+v", c.Score)
	}
	if len(c.Events) != 2 {
		t.Fatalf("events = %+v", c.Events)
	}
}

func TestWinnerAmbiguousTokenPrefersCT(t *testing.T) {
	row := Row{"winner": "COUNTER_TERRORIST"}
	if got := winnerTeam(row); got != "CT" {
		t.Fatalf("winnerTeam = %q, want CT (ambiguous token should prefer CT)", got)
	}
}

func TestHighWaterMarkPreventsDuplicateDelivery(t *testing.T) {
	src := &fakeSource{
		available: []string{"round_start"},
		frames: map[string][]Row{
			"round_start": {{"tick": int64(5)}},
		},
	}
	c := NewCollector(src)
	c.ResolveEventNames()
	c.Refresh(100, true)
	if c.Score.RoundNumber != 1 {
		t.Fatalf("round_number = %d, want 1", c.Score.RoundNumber)
	}
	c.Refresh(100, true) // same batch again, should not re-deliver tick 5
	if c.Score.RoundNumber != 1 {
		t.Fatalf("round_number after repeat refresh = %d, want still 1", c.Score.RoundNumber)
	}
}

func TestEventsRingCapped(t *testing.T) {
	rows := make([]Row, 0, 30)
	for i := int64(1); i <= 30; i++ {
		rows = append(rows, Row{"tick": i})
	}
	src := &fakeSource{
		available: []string{"weapon_fire"},
		frames:    map[string][]Row{"weapon_fire": rows},
	}
	c := NewCollector(src)
	c.ResolveEventNames()
	c.Refresh(100, true)
	if len(c.Events) != EventsCap {
		t.Fatalf("events len = %d, want %d", len(c.Events), EventsCap)
	}
}

func TestKillFeedCappedAndBombLifecycle(t *testing.T) {
	killRows := make([]Row, 0, 8)
	for i := int64(1); i <= 8; i++ {
		killRows = append(killRows, Row{"tick": i, "attacker_name": "a", "victim_name": "b"})
	}
	src := &fakeSource{
		available: []string{"player_death", "bomb_planted", "bomb_defused"},
		frames: map[string][]Row{
			"player_death": killRows,
			"bomb_planted": {{"tick": int64(1), "x": 1.0, "y": 2.0, "userid_name": "p1"}},
		},
	}
	c := NewCollector(src)
	c.ResolveEventNames()
	c.Refresh(100, true)
	if len(c.KillFeed) != KillFeedCap {
		t.Fatalf("kill feed len = %d, want %d", len(c.KillFeed), KillFeedCap)
	}
	if !c.Bomb.Planted || c.Bomb.Planter != "p1" {
		t.Fatalf("bomb state = %+v", c.Bomb)
	}
	src.frames = map[string][]Row{
		"bomb_defused": {{"tick": int64(2), "userid_name": "p2"}},
	}
	c.Refresh(100, true)
	if c.Bomb.Planted {
		t.Fatalf("expected bomb cleared after defuse, got %+v", c.Bomb)
	}
}

func TestBatchFallsBackToSingleEventSource(t *testing.T) {
	src := &fallbackSource{
		available: []string{"player_death"},
		single:    map[string][]Row{"player_death": {{"tick": int64(1), "victim_name": "v"}}},
	}
	c := NewCollector(src)
	c.ResolveEventNames()
	c.Refresh(100, true)
	if len(c.Events) != 1 {
		t.Fatalf("expected 1 event via single-event fallback, got %d", len(c.Events))
	}
}

type fallbackSource struct {
	available []string
	single    map[string][]Row
}

func (f *fallbackSource) ListGameEvents() ([]string, error) { return f.available, nil }
func (f *fallbackSource) ParseEvents(names []string, playerFields []string) (map[string][]Row, error) {
	return nil, errFake
}
func (f *fallbackSource) ParseEvent(name string, playerFields []string) ([]Row, error) {
	return f.single[name], nil
}
