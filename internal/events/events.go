// Package events collates game events across polls into a bounded event
// ring and a kill-feed window, and drives the bomb/round/score state
// machine. High-water-mark ticks per event type prevent a replayed poll
// window from delivering the same event twice.
package events

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// EventsCap bounds the recent-events ring (spec.md §3, Invariants).
	EventsCap = 20
	// KillFeedCap bounds the kill-feed window.
	KillFeedCap = 5
)

// Row is one decoder event record: a flat key-value map whose shape
// varies with the decoder's naming (see Source for how batches are
// fetched).
type Row map[string]any

// Source is the subset of the external decoder EventCollector needs:
// the list of event names the demo actually contains, and a batch parse
// of named events with extra per-player position fields merged in.
type Source interface {
	ListGameEvents() ([]string, error)
	ParseEvents(names []string, playerFields []string) (map[string][]Row, error)
}

// SingleEventSource is an optional capability: a Source may additionally
// support fetching one event name at a time, used as a fallback when the
// batch call is unavailable or fails.
type SingleEventSource interface {
	ParseEvent(name string, playerFields []string) ([]Row, error)
}

// Position is an optional x/y/z extracted from an event row.
type Position struct {
	X, Y, Z float64
}

// EventRecord is one entry in the bounded events ring.
type EventRecord struct {
	Type     string
	Tick     int64
	Victim   string
	Attacker string
	Player   string
	Winner   string
	Pos      *Position
}

// KillFeedEntry is one entry in the bounded kill-feed window.
type KillFeedEntry struct {
	Killer     string
	Victim     string
	KillerTeam string
	Weapon     string
	Headshot   bool
	Time       time.Time
}

// BombState tracks whether the bomb is planted, and if so where and by
// whom.
type BombState struct {
	Planted  bool
	Position *Position
	Planter  string
}

// ScoreState tracks round number and per-team score.
type ScoreState struct {
	RoundNumber int
	CTScore     int
	TScore      int
}

var canonicalEventCandidates = map[string][]string{
	"player_death":          {"player_death"},
	"round_start":           {"round_start", "round_prestart", "round_announce_match_start"},
	"round_end":             {"round_end", "round_officially_ended"},
	"bomb_planted":          {"bomb_planted"},
	"bomb_defused":          {"bomb_defused"},
	"bomb_exploded":         {"bomb_exploded"},
	"weapon_fire":           {"weapon_fire"},
	"player_hurt":           {"player_hurt"},
	"player_blind":          {"player_blind"},
	"hegrenade_detonate":    {"hegrenade_detonate"},
	"flashbang_detonate":    {"flashbang_detonate"},
	"smokegrenade_detonate": {"smokegrenade_detonate"},
	"smokegrenade_expired":  {"smokegrenade_expired"},
	"molotov_detonate":      {"molotov_detonate", "inferno_startburn"},
	"decoy_detonate":        {"decoy_detonate", "decoy_started"},
}

var utilityEventTypes = []string{
	"hegrenade_detonate", "flashbang_detonate", "smokegrenade_detonate",
	"smokegrenade_expired", "molotov_detonate", "decoy_detonate",
}

// Collector is the per-demo EventCollector. It must be reset (via
// ResetState) whenever the active demo changes.
type Collector struct {
	source     Source
	eventNames map[string]string // canonical -> resolved decoder event name
	eventRows  map[string][]Row  // resolved decoder event name -> latest batch

	lastTick map[string]int64 // canonical -> high-water-mark tick, -1 initially

	logger *log.Logger

	Events   []EventRecord
	KillFeed []KillFeedEntry
	Bomb     BombState
	Score    ScoreState
}

// NewCollector constructs a Collector over the given decoder Source. Call
// ResolveEventNames once before the first Refresh.
func NewCollector(source Source) *Collector {
	c := &Collector{source: source, logger: log.New(os.Stderr, "[events] ", log.LstdFlags)}
	c.ResetState()
	return c
}

// ResetState clears caches, bomb/score state, and all high-water marks.
// Call this whenever the active demo is swapped.
func (c *Collector) ResetState() {
	c.Events = nil
	c.KillFeed = nil
	c.Score = ScoreState{}
	c.Bomb = BombState{}
	c.eventRows = map[string][]Row{}
	c.lastTick = map[string]int64{}
	for canonical := range canonicalEventCandidates {
		c.lastTick[canonical] = -1
	}
}

// ResolveEventNames picks, for each canonical event type, the first
// candidate name present in the decoder's event list. Call once per demo,
// after ResetState.
func (c *Collector) ResolveEventNames() {
	available := map[string]bool{}
	if names, err := c.source.ListGameEvents(); err == nil {
		for _, n := range names {
			available[n] = true
		}
	}
	resolved := map[string]string{}
	for canonical, candidates := range canonicalEventCandidates {
		for _, candidate := range candidates {
			if available[candidate] {
				resolved[canonical] = candidate
				break
			}
		}
	}
	c.eventNames = resolved
}

func getValue(row Row, keys ...string) any {
	for _, k := range keys {
		if v, ok := row[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int32:
		return int64(t), true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	}
	return 0, false
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return ""
	}
}

func eventPlayerName(row Row, keys ...string) string {
	for _, k := range keys {
		if v, ok := row[k]; ok {
			if s := asString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// eventPosition tries an ordered set of key prefixes, each in lower- then
// upper-case axis form, and returns the first complete (x, y) pair.
func eventPosition(row Row) *Position {
	prefixes := []string{"", "pos_", "position_", "user_", "attacker_", "victim_", "assister_"}
	for _, prefix := range prefixes {
		x, xok := row[prefix+"x"]
		y, yok := row[prefix+"y"]
		z := row[prefix+"z"]
		if !xok && !yok {
			x, xok = row[prefix+"X"]
			y, yok = row[prefix+"Y"]
			z = row[prefix+"Z"]
		}
		if !xok || !yok {
			continue
		}
		xf, xgood := asFloat(x)
		yf, ygood := asFloat(y)
		if !xgood || !ygood {
			continue
		}
		zf, _ := asFloat(z)
		return &Position{X: xf, Y: yf, Z: zf}
	}
	return nil
}

// winnerTeam resolves a round_end row's winner field. Numeric 2/3 is
// checked first; for strings, CT/COUNTER is checked before T/TERRORIST so
// that an ambiguous token containing both resolves to CT, matching the
// upstream "T is a substring of CT" heuristic (see spec Open Question).
func winnerTeam(row Row) string {
	winner := getValue(row, "winner", "winner_team", "winner_name")
	winnerNum := getValue(row, "winner_team_num")
	if n, ok := asInt64(winnerNum); ok {
		if n == 3 {
			return "CT"
		}
		if n == 2 {
			return "T"
		}
	}
	if n, ok := asInt64(winner); ok {
		if n == 3 {
			return "CT"
		}
		if n == 2 {
			return "T"
		}
	}
	if s, ok := winner.(string); ok {
		upper := strings.ToUpper(s)
		if strings.Contains(upper, "CT") || strings.Contains(upper, "COUNTER") {
			return "CT"
		}
		if strings.Contains(upper, "T") || strings.Contains(upper, "TERRORIST") {
			return "T"
		}
	}
	return ""
}

// getNewEvents slices the latest batch for canonical down to
// (lastTick, maxTick], advancing the high-water mark to the max tick seen.
// Returns nil if nothing resolved, no rows fetched, or nothing new.
func (c *Collector) getNewEvents(canonical string, maxTick int64, hasMaxTick bool) []Row {
	key, ok := c.eventNames[canonical]
	if !ok {
		return nil
	}
	rows, ok := c.eventRows[key]
	if !ok || len(rows) == 0 {
		return nil
	}
	lastTick := c.lastTick[canonical]
	var fresh []Row
	newest := lastTick
	for _, r := range rows {
		tick, ok := asInt64(getValue(r, "tick"))
		if !ok || tick <= lastTick {
			continue
		}
		if hasMaxTick && tick > maxTick {
			continue
		}
		fresh = append(fresh, r)
		if tick > newest {
			newest = tick
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	c.lastTick[canonical] = newest
	return fresh
}

func rowTick(r Row) int64 {
	t, _ := asInt64(getValue(r, "tick"))
	return t
}

func buildKillFeed(rows []Row) []KillFeedEntry {
	start := 0
	if len(rows) > KillFeedCap {
		start = len(rows) - KillFeedCap
	}
	feed := make([]KillFeedEntry, 0, KillFeedCap)
	for _, row := range rows[start:] {
		attacker := eventPlayerName(row, "attacker_name", "attacker")
		victim := eventPlayerName(row, "victim_name", "victim", "user_name")
		weapon := eventPlayerName(row, "weapon", "weapon_name")
		if weapon == "" {
			weapon = "Unknown"
		}
		headshot, _ := row["headshot"].(bool)
		if !headshot {
			headshot, _ = row["is_headshot"].(bool)
		}
		killer := attacker
		if killer == "" {
			killer = "Unknown"
		}
		if victim == "" {
			victim = "Unknown"
		}
		feed = append(feed, KillFeedEntry{
			Killer: killer, Victim: victim, KillerTeam: "UNK",
			Weapon: weapon, Headshot: headshot, Time: time.Now(),
		})
	}
	return feed
}

func (c *Collector) append(rec EventRecord) {
	c.Events = append(c.Events, rec)
	if len(c.Events) > EventsCap {
		c.Events = c.Events[len(c.Events)-EventsCap:]
	}
}

// fetchEventsBatch requests a single batch covering every resolved event
// name, also pulling player X/Y/Z columns for position fallback. It
// degrades to one ParseEvent call per name if the batch call is
// unavailable or errors.
func (c *Collector) fetchEventsBatch() map[string][]Row {
	if len(c.eventNames) == 0 {
		return map[string][]Row{}
	}
	seen := map[string]bool{}
	names := make([]string, 0, len(c.eventNames))
	for _, name := range c.eventNames {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	if frames, err := c.source.ParseEvents(names, []string{"X", "Y", "Z"}); err == nil && frames != nil {
		return frames
	}
	frames := map[string][]Row{}
	single, ok := c.source.(SingleEventSource)
	if !ok {
		return frames
	}
	for _, name := range names {
		if rows, err := single.ParseEvent(name, []string{"X", "Y", "Z"}); err == nil {
			frames[name] = rows
		}
	}
	return frames
}

// Refresh fetches the latest event batch and applies every canonical
// event type's effects, advancing high-water marks and capping the
// events ring. maxTick limits the slice to rows at or below it; pass
// (0, false) to not limit by tick.
func (c *Collector) Refresh(maxTick int64, hasMaxTick bool) {
	c.eventRows = c.fetchEventsBatch()

	if kills := c.getNewEvents("player_death", maxTick, hasMaxTick); kills != nil {
		if feed := buildKillFeed(kills); len(feed) > 0 {
			c.KillFeed = feed
		}
		for _, row := range kills {
			c.append(EventRecord{
				Type:     "player_death",
				Tick:     rowTick(row),
				Victim:   eventPlayerName(row, "victim_name", "victim", "user_name"),
				Attacker: eventPlayerName(row, "attacker_name", "attacker"),
			})
		}
	}

	if rounds := c.getNewEvents("round_start", maxTick, hasMaxTick); rounds != nil {
		c.Score.RoundNumber += len(rounds)
		for _, row := range rounds {
			c.append(EventRecord{Type: "round_start", Tick: rowTick(row)})
		}
	}

	if ends := c.getNewEvents("round_end", maxTick, hasMaxTick); ends != nil {
		for _, row := range ends {
			team := winnerTeam(row)
			if team == "" {
				c.logger.Printf("round_end at tick %d: unrecognized winner %v",
					rowTick(row), getValue(row, "winner", "winner_team", "winner_name", "winner_team_num"))
			}
			switch team {
			case "CT":
				c.Score.CTScore++
			case "T":
				c.Score.TScore++
			}
			c.append(EventRecord{Type: "round_end", Tick: rowTick(row), Winner: team})
		}
	}

	if planted := c.getNewEvents("bomb_planted", maxTick, hasMaxTick); planted != nil {
		c.Bomb.Planted = true
		for _, row := range planted {
			player := eventPlayerName(row, "userid_name", "user_name", "player_name", "userid")
			pos := eventPosition(row)
			if pos != nil {
				c.Bomb.Position = pos
			}
			if player != "" {
				c.Bomb.Planter = player
			}
			c.append(EventRecord{Type: "bomb_planted", Tick: rowTick(row), Player: player, Pos: pos})
		}
	}

	defused := c.getNewEvents("bomb_defused", maxTick, hasMaxTick)
	exploded := c.getNewEvents("bomb_exploded", maxTick, hasMaxTick)
	if defused != nil || exploded != nil {
		c.Bomb = BombState{}
		for _, row := range defused {
			player := eventPlayerName(row, "userid_name", "user_name", "player_name", "userid")
			c.append(EventRecord{Type: "bomb_defused", Tick: rowTick(row), Player: player})
		}
		for _, row := range exploded {
			c.append(EventRecord{Type: "bomb_exploded", Tick: rowTick(row)})
		}
	}

	if fires := c.getNewEvents("weapon_fire", maxTick, hasMaxTick); fires != nil {
		for _, row := range fires {
			player := eventPlayerName(row, "userid_name", "user_name", "player_name", "userid")
			c.append(EventRecord{Type: "weapon_fire", Tick: rowTick(row), Player: player})
		}
	}

	if hurts := c.getNewEvents("player_hurt", maxTick, hasMaxTick); hurts != nil {
		for _, row := range hurts {
			victim := eventPlayerName(row, "victim_name", "user_name", "userid")
			attacker := eventPlayerName(row, "attacker_name", "attacker")
			c.append(EventRecord{Type: "player_hurt", Tick: rowTick(row), Victim: victim, Attacker: attacker})
		}
	}

	if blinds := c.getNewEvents("player_blind", maxTick, hasMaxTick); blinds != nil {
		for _, row := range blinds {
			player := eventPlayerName(row, "userid_name", "user_name", "player_name", "userid")
			c.append(EventRecord{Type: "player_blind", Tick: rowTick(row), Player: player})
		}
	}

	for _, eventType := range utilityEventTypes {
		rows := c.getNewEvents(eventType, maxTick, hasMaxTick)
		for _, row := range rows {
			pos := eventPosition(row)
			c.append(EventRecord{Type: eventType, Tick: rowTick(row), Pos: pos})
		}
	}
}
