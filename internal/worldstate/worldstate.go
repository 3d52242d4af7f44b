// Package worldstate turns raw per-tick player rows from the decoder into
// the condensed Player list a Snapshot carries: team, alive flag, rounded
// position, and per-team economy. Every accessor probes an ordered list of
// alias keys, since the decoder's row shape varies by source field name.
package worldstate

import (
	"math"
	"strconv"

	"github.com/sebastianspicker/cs2-live-demo-parser/internal/bounds"
)

// Row is one decoder-produced key-value record for a single player at a
// single tick. Values may be any of string, int64, float64, bool, or a
// []float64 for vector-shaped fields.
type Row map[string]any

// Player is the condensed, rounded, client-facing player record.
type Player struct {
	ID        int64
	Name      string
	X, Y, Z   float64
	Yaw       float64
	Team      string // "CT", "T", or "UNK"
	IsAlive   bool
	Health    int
	Armor     int
	HasHelmet bool
	Money     int
	Weapon    string
}

// BuildResult is the output of BuildPlayers: the player list plus derived
// per-team alive counts.
type BuildResult struct {
	Players []Player
	AliveCT int
	AliveT  int
}

func getValue(row Row, keys ...string) any {
	for _, k := range keys {
		if v, ok := row[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	}
	return 0, false
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

func getTeamNum(row Row) (int, bool) {
	v := getValue(row, "team_num", "team", "m_iTeamNum")
	if v == nil {
		return 0, false
	}
	n, ok := asInt64(v)
	if !ok {
		return 0, false
	}
	return int(n), true
}

func teamLabel(teamNum int, ok bool) string {
	if !ok {
		return "UNK"
	}
	switch teamNum {
	case 3:
		return "CT"
	case 2:
		return "T"
	default:
		return "UNK"
	}
}

func getVector(row Row, base string) (x, y, z float64, ok bool) {
	if v, exists := row[base]; exists {
		if vec, isVec := v.([]float64); isVec && len(vec) >= 2 {
			x, y = vec[0], vec[1]
			if len(vec) >= 3 {
				z = vec[2]
			}
			return x, y, z, true
		}
	}
	xv := getValue(row, base+"_x", base+".X", base+".x")
	yv := getValue(row, base+"_y", base+".Y", base+".y")
	zv := getValue(row, base+"_z", base+".Z", base+".z")
	xf, xok := asFloat(xv)
	yf, yok := asFloat(yv)
	if !xok || !yok {
		return 0, 0, 0, false
	}
	zf, _ := asFloat(zv)
	return xf, yf, zf, true
}

// getPosition resolves a row's world position: the scalar X/Y/Z columns
// first, then the origin-vector alias.
func getPosition(row Row) (x, y, z float64, ok bool) {
	xf, xok := asFloat(getValue(row, "X"))
	yf, yok := asFloat(getValue(row, "Y"))
	if xok && yok {
		zf, _ := asFloat(getValue(row, "Z"))
		return xf, yf, zf, true
	}
	return getVector(row, "m_vecOrigin")
}

func getYaw(row Row) float64 {
	v := getValue(row, "yaw", "m_angEyeAngles_y", "m_angEyeAngles.Y", "m_angEyeAngles.y")
	if f, ok := asFloat(v); ok {
		return f
	}
	if vec, ok := row["m_angEyeAngles"].([]float64); ok && len(vec) >= 2 {
		return vec[1]
	}
	return 0
}

func round(v float64, places int) float64 {
	mult := math.Pow(10, float64(places))
	return math.Round(v*mult) / mult
}

// BuildPlayers resolves one tick's raw Rows into Players, widening
// worldBounds in place when it is not fixed, dropping rows that have no
// position or are dead with health <= 0.
func BuildPlayers(rows []Row, playerNames map[int64]string, worldBounds *bounds.WorldBounds) BuildResult {
	result := BuildResult{Players: make([]Player, 0, len(rows))}
	for _, row := range rows {
		steamID, hasID := asInt64(getValue(row, "steamid", "steamid64", "player"))

		name := ""
		if hasID {
			name = playerNames[steamID]
		}
		if name == "" {
			if hasID && steamID != 0 {
				name = "Player_" + strconv.FormatInt(steamID, 10)
			} else {
				name = "Player"
			}
		}

		teamNum, teamOK := getTeamNum(row)
		team := teamLabel(teamNum, teamOK)

		lifeState, hasLifeState := row["life_state"]
		healthVal, _ := asInt64(getValue(row, "health"))
		health := int(healthVal)

		var isAlive bool
		if hasLifeState {
			ls, _ := asInt64(lifeState)
			isAlive = ls == 0
		} else {
			isAlive = health > 0
		}

		armorVal, _ := asInt64(getValue(row, "armor_value"))
		helmet, _ := row["has_helmet"].(bool)
		money, _ := asInt64(getValue(row, "balance"))

		x, y, z, hasPos := getPosition(row)
		if !hasPos {
			continue
		}
		worldBounds.Widen(x, y)

		if !isAlive && health <= 0 {
			continue
		}
		if isAlive {
			switch team {
			case "CT":
				result.AliveCT++
			case "T":
				result.AliveT++
			}
		}

		result.Players = append(result.Players, Player{
			ID:        steamID,
			Name:      name,
			X:         round(x, 2),
			Y:         round(y, 2),
			Z:         round(z, 2),
			Yaw:       round(getYaw(row), 1),
			Team:      team,
			IsAlive:   isAlive,
			Health:    health,
			Armor:     int(armorVal),
			HasHelmet: helmet,
			Money:     int(money),
			Weapon:    "Unknown",
		})
	}
	return result
}

// Economy is the per-team money total and buy-status label.
type Economy struct {
	CT, T             int
	CTStatus, TStatus string
}

// BuyStatus labels a team's mean per-player money.
func BuyStatus(meanMoney float64) string {
	switch {
	case meanMoney >= 5000:
		return "Full Buy"
	case meanMoney >= 3000:
		return "Half Buy"
	case meanMoney >= 2000:
		return "Force Buy"
	default:
		return "Eco"
	}
}

// ComputeEconomy sums each team's balance across rows and derives a
// buy-status label from the per-player mean (total/5).
func ComputeEconomy(rows []Row) Economy {
	var ctTotal, tTotal int64
	for _, row := range rows {
		teamNum, ok := getTeamNum(row)
		if !ok {
			continue
		}
		balance, hasBalance := row["balance"]
		if !hasBalance {
			continue
		}
		amount, ok := asInt64(balance)
		if !ok {
			continue
		}
		switch teamNum {
		case 3:
			ctTotal += amount
		case 2:
			tTotal += amount
		}
	}
	ctMean, tMean := 0.0, 0.0
	if ctTotal != 0 {
		ctMean = float64(ctTotal) / 5
	}
	if tTotal != 0 {
		tMean = float64(tTotal) / 5
	}
	return Economy{
		CT: int(ctTotal), T: int(tTotal),
		CTStatus: BuyStatus(ctMean), TStatus: BuyStatus(tMean),
	}
}

// ComputeElapsedSeconds derives demo playback elapsed time at tick from the
// header's playback_ticks/playback_time fields. Returns 0 if either is
// absent or non-positive.
func ComputeElapsedSeconds(playbackTicks, playbackTime float64, tick int64) float64 {
	if playbackTicks <= 0 || playbackTime <= 0 {
		return 0
	}
	tickRate := playbackTicks / playbackTime
	if tickRate <= 0 {
		return 0
	}
	return float64(tick) / tickRate
}
