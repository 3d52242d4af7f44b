package demoreader

import (
	"math"

	"github.com/sebastianspicker/cs2-live-demo-parser/internal/bounds"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/events"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/worldstate"
)

// MapConfig is the per-snapshot map metadata the client renders against.
type MapConfig struct {
	Map         string
	WorldBounds *bounds.WorldBounds
	ZRange      *bounds.ZRange
	Transform   *bounds.Transform
}

// Snapshot is the condensed world-state record emitted per successful
// poll. Immutable after construction; the broadcaster's replay queue
// shares it by pointer and the process worker ships it by value.
type Snapshot struct {
	Round   int
	Time    float64
	CTScore int
	TScore  int
	Money   worldstate.Economy
	Players []worldstate.Player
	AliveCT int
	AliveT  int

	KillFeed []events.KillFeedEntry
	Events   []events.EventRecord

	BombPlanted bool
	Bomb        events.BombState

	Tick       int64
	DataSource string
	MapConfig  MapConfig

	// Transport metadata.
	ParseMs         float64
	DemoTime        float64
	DemoTickRate    float64
	DemoRemaining   float64
	DemoDataRateBPS float64
	FileSize        int64
	FileMTime       int64
	UpdateCount     int64
	AvgParseMs      float64
}

func playerFrame(p worldstate.Player) map[string]any {
	return map[string]any{
		"id":         p.ID,
		"name":       p.Name,
		"x":          p.X,
		"y":          p.Y,
		"z":          p.Z,
		"yaw":        p.Yaw,
		"team":       p.Team,
		"is_alive":   p.IsAlive,
		"health":     p.Health,
		"armor":      p.Armor,
		"has_helmet": p.HasHelmet,
		"money":      p.Money,
		"weapon":     p.Weapon,
	}
}

func eventFrame(e events.EventRecord) map[string]any {
	out := map[string]any{
		"type": e.Type,
		"tick": e.Tick,
	}
	if e.Victim != "" {
		out["victim"] = e.Victim
	}
	if e.Attacker != "" {
		out["attacker"] = e.Attacker
	}
	if e.Player != "" {
		out["player"] = e.Player
	}
	if e.Winner != "" {
		out["winner"] = e.Winner
	}
	if e.Pos != nil {
		out["x"] = e.Pos.X
		out["y"] = e.Pos.Y
		out["z"] = e.Pos.Z
	}
	return out
}

func killFrame(k events.KillFeedEntry) map[string]any {
	return map[string]any{
		"killer":      k.Killer,
		"victim":      k.Victim,
		"killer_team": k.KillerTeam,
		"weapon":      k.Weapon,
		"headshot":    k.Headshot,
		"time":        k.Time.Unix(),
	}
}

func boundsFrame(wb *bounds.WorldBounds) map[string]any {
	return map[string]any{
		"min_x": wb.MinX,
		"max_x": wb.MaxX,
		"min_y": wb.MinY,
		"max_y": wb.MaxY,
	}
}

// mapConfigFrame renders the MapConfig into the map_config wire object.
// An observed-but-empty bounds hull (no player seen yet) is omitted.
func mapConfigFrame(mc MapConfig) map[string]any {
	out := map[string]any{"map": mc.Map}
	if wb := mc.WorldBounds; wb != nil && wb.MinX <= wb.MaxX && !math.IsInf(wb.MinX, 1) {
		out["world_bounds"] = boundsFrame(wb)
	}
	if mc.ZRange != nil {
		out["z_range"] = map[string]any{"min": mc.ZRange.Min, "max": mc.ZRange.Max}
	}
	if mc.Transform != nil {
		out["world_transform"] = map[string]any{
			"flip_x":     mc.Transform.FlipX,
			"flip_y":     mc.Transform.FlipY,
			"rotate_deg": mc.Transform.RotateDeg,
		}
	}
	return out
}

// ToFrame renders the snapshot as a position_update wire frame. The
// broadcaster then merges in the orchestrator's bookkeeping keys
// (_server_ts, _live_lag_sec, _poll_interval, _cmd_count) before sending.
func (s *Snapshot) ToFrame() map[string]any {
	players := make([]any, 0, len(s.Players))
	for _, p := range s.Players {
		players = append(players, playerFrame(p))
	}
	evs := make([]any, 0, len(s.Events))
	for _, e := range s.Events {
		evs = append(evs, eventFrame(e))
	}
	kills := make([]any, 0, len(s.KillFeed))
	for _, k := range s.KillFeed {
		kills = append(kills, killFrame(k))
	}

	bomb := map[string]any{"planted": s.Bomb.Planted}
	if s.Bomb.Position != nil {
		bomb["position"] = map[string]any{
			"x": s.Bomb.Position.X, "y": s.Bomb.Position.Y, "z": s.Bomb.Position.Z,
		}
	}
	if s.Bomb.Planter != "" {
		bomb["planter"] = s.Bomb.Planter
	}

	return map[string]any{
		"type":     "position_update",
		"round":    s.Round,
		"time":     s.Time,
		"ct_score": s.CTScore,
		"t_score":  s.TScore,
		"money": map[string]any{
			"ct":        s.Money.CT,
			"t":         s.Money.T,
			"ct_status": s.Money.CTStatus,
			"t_status":  s.Money.TStatus,
		},
		"players":      players,
		"alive_ct":     s.AliveCT,
		"alive_t":      s.AliveT,
		"kill_feed":    kills,
		"events":       evs,
		"bomb_planted": s.BombPlanted,
		"bomb":         bomb,
		"tick":         s.Tick,
		"data_source":  s.DataSource,
		"map_config":   mapConfigFrame(s.MapConfig),

		"_parse_ms":           s.ParseMs,
		"_demo_time":          s.DemoTime,
		"_demo_tick_rate":     s.DemoTickRate,
		"_demo_remaining":     s.DemoRemaining,
		"_demo_data_rate_bps": s.DemoDataRateBPS,
		"_file_size":          s.FileSize,
		"_file_mtime":         s.FileMTime,
		"_update_count":       s.UpdateCount,
		"_avg_parse_ms":       s.AvgParseMs,
	}
}
