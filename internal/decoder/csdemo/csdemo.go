// Package csdemo implements decoder.Source over demoinfocs-golang's
// streaming CS2 demo parser. demoinfocs is callback-driven and
// forward-only; this adapter advances frames on demand, sampling one row
// per playing participant whenever the requested tick window is reached,
// and accumulating game-event rows through registered handlers. Seeking
// backwards reopens the file and fast-forwards.
package csdemo

import (
	"fmt"
	"os"

	demoinfocs "github.com/markus-wa/demoinfocs-golang/v4/pkg/demoinfocs"
	common "github.com/markus-wa/demoinfocs-golang/v4/pkg/demoinfocs/common"
	dievents "github.com/markus-wa/demoinfocs-golang/v4/pkg/demoinfocs/events"

	"github.com/sebastianspicker/cs2-live-demo-parser/internal/decoder"
)

// perTickFields is what ListUpdatedFields advertises: the row keys this
// adapter can actually populate.
var perTickFields = []string{
	"X", "Y", "Z", "pitch", "yaw", "health", "armor_value",
	"team_num", "life_state", "has_helmet", "balance",
}

// eventNames is what ListGameEvents advertises.
var eventNames = []string{
	"player_death", "round_start", "round_end",
	"bomb_planted", "bomb_defused", "bomb_exploded",
	"weapon_fire", "player_hurt", "player_blind",
	"hegrenade_detonate", "flashbang_detonate",
	"smokegrenade_detonate", "molotov_detonate", "decoy_detonate",
}

// Source is a decoder.Source over one open demo file.
type Source struct {
	path   string
	file   *os.File
	parser demoinfocs.Parser

	eof     bool
	lastErr error

	// Accumulated event rows per advertised name, grown as parsing
	// advances.
	events map[string][]decoder.Row

	// players maps steam id to the last seen display name.
	players map[int64]string
}

// New returns a closed Source; Open prepares it for a demo file.
func New() *Source {
	return &Source{}
}

// Open (re)opens the demo at path. An already-open file is released
// first, so Open doubles as the rewind used for backwards seeks.
func (s *Source) Open(path string) error {
	_ = s.Close()
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open demo: %w", err)
	}
	s.path = path
	s.file = f
	s.parser = demoinfocs.NewParser(f)
	s.eof = false
	s.lastErr = nil
	s.events = make(map[string][]decoder.Row)
	s.players = make(map[int64]string)
	s.registerHandlers()
	return nil
}

// Close releases the parser and file handle.
func (s *Source) Close() error {
	if s.parser != nil {
		_ = s.parser.Close()
		s.parser = nil
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	return nil
}

// Header maps the demo header into the decoder's shape. CS2 demos often
// carry zero playback totals; callers treat those as unknown.
func (s *Source) Header() (decoder.Header, error) {
	if s.parser == nil {
		return decoder.Header{}, decoder.ErrNotOpen
	}
	hdr := s.parser.Header()
	return decoder.Header{
		MapName:       hdr.MapName,
		PlaybackTicks: int64(hdr.PlaybackTicks),
		PlaybackTime:  hdr.PlaybackTime.Seconds(),
	}, nil
}

func (s *Source) ListUpdatedFields() ([]string, error) {
	if s.parser == nil {
		return nil, decoder.ErrNotOpen
	}
	return perTickFields, nil
}

func (s *Source) ListGameEvents() ([]string, error) {
	if s.parser == nil {
		return nil, decoder.ErrNotOpen
	}
	return eventNames, nil
}

// ParsePlayerInfo returns the names seen so far. Early in a demo this
// may be sparse; SnapshotBuilder synthesizes placeholder names for rows
// it cannot resolve yet.
func (s *Source) ParsePlayerInfo() (map[int64]string, error) {
	if s.parser == nil {
		return nil, decoder.ErrNotOpen
	}
	out := make(map[int64]string, len(s.players))
	for id, name := range s.players {
		out[id] = name
	}
	return out, nil
}

// currentTick is the parser's in-game tick position.
func (s *Source) currentTick() int64 {
	return int64(s.parser.GameState().IngameTick())
}

// ParseTicks advances the stream through [startTick, endTick) and
// returns one row per playing participant at the newest tick reached
// inside the window. A request behind the current position rewinds by
// reopening the file.
func (s *Source) ParseTicks(fields []string, startTick, endTick int64) ([]decoder.Row, error) {
	if s.parser == nil {
		return nil, decoder.ErrNotOpen
	}
	if startTick < 0 {
		startTick = 0
	}
	if s.currentTick() > startTick {
		if err := s.Open(s.path); err != nil {
			return nil, err
		}
	}

	var rows []decoder.Row
	var sampledTick int64 = -1
	for !s.eof {
		tick := s.currentTick()
		if tick >= endTick {
			break
		}
		if tick >= startTick && tick > sampledTick {
			if sampled := s.sampleRows(tick); len(sampled) > 0 {
				rows = sampled
				sampledTick = tick
			}
		}
		ok, err := s.parser.ParseNextFrame()
		if err != nil {
			// A live demo routinely ends mid-stream; remember the
			// position and surface what we sampled.
			s.eof = true
			s.lastErr = err
			break
		}
		if !ok {
			s.eof = true
		}
	}
	return rows, nil
}

// sampleRows captures one row per playing participant at tick.
func (s *Source) sampleRows(tick int64) []decoder.Row {
	participants := s.parser.GameState().Participants().Playing()
	rows := make([]decoder.Row, 0, len(participants))
	for _, pl := range participants {
		if pl == nil || pl.SteamID64 == 0 {
			continue
		}
		s.players[int64(pl.SteamID64)] = pl.Name
		pos := pl.Position()
		lifeState := int64(1)
		if pl.IsAlive() {
			lifeState = 0
		}
		row := decoder.Row{
			"tick":        tick,
			"steamid":     int64(pl.SteamID64),
			"X":           pos.X,
			"Y":           pos.Y,
			"Z":           pos.Z,
			"yaw":         float64(pl.ViewDirectionX()),
			"pitch":       float64(pl.ViewDirectionY()),
			"health":      int64(pl.Health()),
			"armor_value": int64(pl.Armor()),
			"team_num":    teamNum(pl.Team),
			"life_state":  lifeState,
			"has_helmet":  pl.HasHelmet(),
			"balance":     int64(pl.Money()),
		}
		rows = append(rows, row)
	}
	return rows
}

func teamNum(t common.Team) int64 {
	switch t {
	case common.TeamCounterTerrorists:
		return 3
	case common.TeamTerrorists:
		return 2
	default:
		return 0
	}
}

// ParseEvents returns every accumulated occurrence row per requested
// event name. Rows accumulate as ParseTicks advances the stream; the
// EventCollector's high-water marks slice out what is new.
func (s *Source) ParseEvents(names []string, extraPlayerFields []string) (map[string][]decoder.Row, error) {
	if s.parser == nil {
		return nil, decoder.ErrNotOpen
	}
	out := make(map[string][]decoder.Row, len(names))
	for _, name := range names {
		if rows, ok := s.events[name]; ok {
			out[name] = append([]decoder.Row(nil), rows...)
		}
	}
	return out, nil
}

func (s *Source) appendEvent(name string, row decoder.Row) {
	row["tick"] = s.currentTick()
	s.events[name] = append(s.events[name], row)
}

func playerName(pl *common.Player) string {
	if pl == nil {
		return ""
	}
	return pl.Name
}

func positionInto(row decoder.Row, pl *common.Player) {
	if pl == nil {
		return
	}
	pos := pl.Position()
	row["x"] = pos.X
	row["y"] = pos.Y
	row["z"] = pos.Z
}

func (s *Source) registerHandlers() {
	p := s.parser

	p.RegisterEventHandler(func(e dievents.Kill) {
		row := decoder.Row{
			"attacker_name": playerName(e.Killer),
			"victim_name":   playerName(e.Victim),
			"headshot":      e.IsHeadshot,
		}
		if e.Weapon != nil {
			row["weapon"] = e.Weapon.Type.String()
		}
		s.appendEvent("player_death", row)
	})

	p.RegisterEventHandler(func(e dievents.RoundStart) {
		if p.GameState().IsWarmupPeriod() {
			return
		}
		s.appendEvent("round_start", decoder.Row{})
	})

	p.RegisterEventHandler(func(e dievents.RoundEnd) {
		s.appendEvent("round_end", decoder.Row{"winner_team_num": teamNum(e.Winner)})
	})

	p.RegisterEventHandler(func(e dievents.BombPlanted) {
		row := decoder.Row{"user_name": playerName(e.Player)}
		positionInto(row, e.Player)
		s.appendEvent("bomb_planted", row)
	})

	p.RegisterEventHandler(func(e dievents.BombDefused) {
		s.appendEvent("bomb_defused", decoder.Row{"user_name": playerName(e.Player)})
	})

	p.RegisterEventHandler(func(e dievents.BombExplode) {
		s.appendEvent("bomb_exploded", decoder.Row{})
	})

	p.RegisterEventHandler(func(e dievents.WeaponFire) {
		row := decoder.Row{"user_name": playerName(e.Shooter)}
		positionInto(row, e.Shooter)
		s.appendEvent("weapon_fire", row)
	})

	p.RegisterEventHandler(func(e dievents.PlayerHurt) {
		s.appendEvent("player_hurt", decoder.Row{
			"victim_name":   playerName(e.Player),
			"attacker_name": playerName(e.Attacker),
		})
	})

	p.RegisterEventHandler(func(e dievents.PlayerFlashed) {
		s.appendEvent("player_blind", decoder.Row{"user_name": playerName(e.Player)})
	})

	p.RegisterEventHandler(func(e dievents.HeExplode) {
		s.appendEvent("hegrenade_detonate", decoder.Row{
			"x": e.Position.X, "y": e.Position.Y, "z": e.Position.Z,
		})
	})

	p.RegisterEventHandler(func(e dievents.FlashExplode) {
		s.appendEvent("flashbang_detonate", decoder.Row{
			"x": e.Position.X, "y": e.Position.Y, "z": e.Position.Z,
		})
	})

	p.RegisterEventHandler(func(e dievents.SmokeStart) {
		s.appendEvent("smokegrenade_detonate", decoder.Row{
			"x": e.Position.X, "y": e.Position.Y, "z": e.Position.Z,
		})
	})

	p.RegisterEventHandler(func(e dievents.InfernoStart) {
		pos := e.Inferno.Entity.Position()
		s.appendEvent("molotov_detonate", decoder.Row{
			"x": pos.X, "y": pos.Y, "z": pos.Z,
		})
	})

	p.RegisterEventHandler(func(e dievents.DecoyStart) {
		s.appendEvent("decoy_detonate", decoder.Row{
			"x": e.Position.X, "y": e.Position.Y, "z": e.Position.Z,
		})
	})
}
