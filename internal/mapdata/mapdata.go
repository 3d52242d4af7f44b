// Package mapdata holds the compile-time table of supported CS2 maps:
// display scale, radar dimensions, origin offset, and default team spawn
// points. The table is immutable after package init and never errors on a
// lookup miss — callers get an "unknown map" bool instead.
package mapdata

import "strings"

// Spawn is a single default spawn coordinate for a team.
type Spawn struct {
	X, Y float64
}

// Definition is the static, immutable description of one map.
type Definition struct {
	Name       string
	Scale      float64
	Width      int
	Height     int
	RadarScale float64
	OriginX    float64
	OriginY    float64
	SpawnsT    []Spawn
	SpawnsCT   []Spawn
}

var registry = map[string]Definition{
	"Mirage": {
		Name: "Mirage", Scale: 220.0, Width: 220, Height: 200, RadarScale: 4.4,
		SpawnsT:  []Spawn{{-1200, -800}, {-1000, -1000}, {-800, -900}},
		SpawnsCT: []Spawn{{200, 200}, {400, 100}, {300, 300}},
	},
	"Inferno": {
		Name: "Inferno", Scale: 280.0, Width: 280, Height: 275, RadarScale: 3.5,
		SpawnsT:  []Spawn{{-1500, -1500}, {-1300, -1600}},
		SpawnsCT: []Spawn{{500, 500}, {600, 400}},
	},
	"Nuke": {
		Name: "Nuke", Scale: 300.0, Width: 300, Height: 275, RadarScale: 3.3,
		SpawnsT:  []Spawn{{-1500, -2500}},
		SpawnsCT: []Spawn{{500, 500}},
	},
	"Dust2": {
		Name: "Dust2", Scale: 260.0, Width: 260, Height: 240, RadarScale: 3.8,
		SpawnsT:  []Spawn{{-1800, -2500}},
		SpawnsCT: []Spawn{{500, 2500}},
	},
	"Ancient": {
		Name: "Ancient", Scale: 300.0, Width: 300, Height: 300, RadarScale: 3.3,
		SpawnsT:  []Spawn{{-1500, -1200}},
		SpawnsCT: []Spawn{{500, 500}},
	},
	"Vertigo": {
		Name: "Vertigo", Scale: 240.0, Width: 240, Height: 240, RadarScale: 4.16,
		SpawnsT:  []Spawn{{0, -1500}},
		SpawnsCT: []Spawn{{0, 1500}},
	},
	"Overpass": {
		Name: "Overpass", Scale: 320.0, Width: 320, Height: 240, RadarScale: 3.125,
		SpawnsT:  []Spawn{{-1500, -500}},
		SpawnsCT: []Spawn{{500, 2500}},
	},
	"Anubis": {
		Name: "Anubis", Scale: 5.22, Width: 1024, Height: 1024, RadarScale: 5.22,
		SpawnsT:  []Spawn{{-1500, -500}},
		SpawnsCT: []Spawn{{500, 2500}},
	},
}

// Normalize lower-cases name, strips a leading "de_", and capitalizes the
// first letter, then matches case-insensitively against the registry keys.
// Returns "" if nothing matches.
func Normalize(name string) string {
	if name == "" {
		return ""
	}
	candidate := strings.ToLower(strings.TrimSpace(name))
	candidate = strings.TrimPrefix(candidate, "de_")
	if candidate == "" {
		return ""
	}
	for key := range registry {
		if strings.ToLower(key) == candidate {
			return key
		}
	}
	return ""
}

// Lookup returns the Definition for a map key (already normalized or not).
// ok is false if the map has no known definition; callers must treat that
// as "no definition", never an error.
func Lookup(name string) (Definition, bool) {
	if def, ok := registry[name]; ok {
		return def, true
	}
	key := Normalize(name)
	if key == "" {
		return Definition{}, false
	}
	def, ok := registry[key]
	return def, ok
}

// Keys returns the known map keys, used for the broadcaster's
// "maps_available" welcome field.
func Keys() []string {
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	return keys
}
