// Package bounds resolves world-space play-area bounds for a map from
// three possible sources, in a fixed priority order: an explicit bounds
// file, third-party "boltobserv"-style radar meta (JSON5), or a radar
// overview file (structured JSON or loose text). Whichever source commits
// first wins; if none do, bounds stay nullable and the caller widens them
// in place by observed player positions.
package bounds

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Transform describes an optional display-space correction applied on top
// of raw world coordinates.
type Transform struct {
	FlipX     bool
	FlipY     bool
	RotateDeg float64
}

// ZRange is an optional world-Z clamp, e.g. to split multi-floor maps.
type ZRange struct {
	Min, Max float64
}

// WorldBounds is the resolved (or still-open) play area for one map.
type WorldBounds struct {
	MinX, MaxX float64
	MinY, MaxY float64
	ZRange     *ZRange
	Transform  *Transform
	// Fixed is true iff one of the three trusted sources committed this
	// value; a fixed WorldBounds is never widened by observed positions.
	Fixed bool
}

// Widen grows an unfixed WorldBounds to include (x, y). It is a no-op when
// Fixed is true.
func (b *WorldBounds) Widen(x, y float64) {
	if b.Fixed {
		return
	}
	if x < b.MinX {
		b.MinX = x
	}
	if x > b.MaxX {
		b.MaxX = x
	}
	if y < b.MinY {
		b.MinY = y
	}
	if y > b.MaxY {
		b.MaxY = y
	}
}

// explicitEntry mirrors one map's entry in the explicit bounds file.
type explicitEntry struct {
	MinX      float64    `json:"min_x"`
	MaxX      float64    `json:"max_x"`
	MinY      float64    `json:"min_y"`
	MaxY      float64    `json:"max_y"`
	ZRange    *ZRange    `json:"z_range"`
	Transform *Transform `json:"transform"`
}

// Resolver resolves WorldBounds for a map key from disk-backed sources.
// The explicit bounds file and the radar-meta directory are read lazily
// once and cached; overview files are read again on every Resolve.
type Resolver struct {
	BoundsFile    string // explicit bounds JSON file path
	OverviewDir   string // sibling dir of <map>.json / <map>.txt overview files
	BoltobservDir string // sibling dir of de_<map>/meta.json5 radar meta

	explicit     map[string]explicitEntry
	explicitRead bool
	boltobserv   map[string]WorldBounds
	boltRead     bool
}

// NewResolver builds a Resolver over the given on-disk locations.
func NewResolver(boundsFile, overviewDir, boltobservDir string) *Resolver {
	return &Resolver{
		BoundsFile:    boundsFile,
		OverviewDir:   overviewDir,
		BoltobservDir: boltobservDir,
	}
}

// Resolve produces WorldBounds for mapKey, trying the explicit file, then
// boltobserv radar meta, then the overview file, in that order. ok is false
// if nothing resolved; the caller should start with a nullable, unfixed
// WorldBounds in that case.
func (r *Resolver) Resolve(mapKey string) (WorldBounds, bool) {
	if wb, ok := r.fromExplicit(mapKey); ok {
		return wb, true
	}
	if wb, ok := r.fromBoltobserv(mapKey); ok {
		return wb, true
	}
	if wb, ok := r.fromOverview(mapKey); ok {
		return wb, true
	}
	return WorldBounds{}, false
}

func (r *Resolver) loadExplicit() {
	if r.explicitRead {
		return
	}
	r.explicitRead = true
	r.explicit = map[string]explicitEntry{}
	if r.BoundsFile == "" {
		return
	}
	data, err := os.ReadFile(r.BoundsFile)
	if err != nil {
		return
	}
	var raw map[string]explicitEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	r.explicit = raw
}

func (r *Resolver) fromExplicit(mapKey string) (WorldBounds, bool) {
	r.loadExplicit()
	entry, ok := r.explicit[mapKey]
	if !ok {
		return WorldBounds{}, false
	}
	wb := WorldBounds{
		MinX: entry.MinX, MaxX: entry.MaxX,
		MinY: entry.MinY, MaxY: entry.MaxY,
		ZRange: entry.ZRange, Transform: entry.Transform,
		Fixed: true,
	}
	return wb, true
}

var (
	lineCommentRE   = regexp.MustCompile(`//.*`)
	blockCommentRE  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	trailingCommaRE = regexp.MustCompile(`,\s*([}\]])`)
)

// stripJSON5 removes // line comments, /* */ block comments, and trailing
// commas before } or ] so the result parses as plain JSON. This mirrors
// the narrow JSON5-with-comments dialect used by third-party radar meta
// files; it is not a general JSON5 parser.
func stripJSON5(text string) string {
	text = lineCommentRE.ReplaceAllString(text, "")
	text = blockCommentRE.ReplaceAllString(text, "")
	text = trailingCommaRE.ReplaceAllString(text, "$1")
	return text
}

// normalizeBoltobservName turns a "de_foo" directory name into the
// registry's "Foo" map key.
func normalizeBoltobservName(folderName string) string {
	name := strings.ToLower(folderName)
	name = strings.TrimPrefix(name, "de_")
	if name == "" {
		return folderName
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func (r *Resolver) loadBoltobserv() {
	if r.boltRead {
		return
	}
	r.boltRead = true
	r.boltobserv = map[string]WorldBounds{}
	if r.BoltobservDir == "" {
		return
	}
	entries, err := os.ReadDir(r.BoltobservDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "de_") {
			continue
		}
		metaPath := filepath.Join(r.BoltobservDir, entry.Name(), "meta.json5")
		raw, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		clean := stripJSON5(string(raw))
		if !gjson.Valid(clean) {
			continue
		}
		parsed := gjson.Parse(clean)
		resolution := parsed.Get("resolution")
		offsetX := parsed.Get("offset.x")
		offsetY := parsed.Get("offset.y")
		if !resolution.Exists() || !offsetX.Exists() || !offsetY.Exists() {
			continue
		}
		res := resolution.Float()
		ox := offsetX.Float()
		oy := offsetY.Float()
		const radarSize = 1024.0
		minX, maxX := -ox, -ox+res*radarSize
		minY, maxY := -oy, -oy+res*radarSize
		if minX > maxX {
			minX, maxX = maxX, minX
		}
		if minY > maxY {
			minY, maxY = maxY, minY
		}
		wb := WorldBounds{MinX: minX, MaxX: maxX, MinY: minY, MaxY: maxY, Fixed: true}
		if zr := parsed.Get("zRange"); zr.Exists() {
			zmin, zmax := zr.Get("min"), zr.Get("max")
			if zmin.Exists() && zmax.Exists() {
				wb.ZRange = &ZRange{Min: zmin.Float(), Max: zmax.Float()}
			}
		}
		r.boltobserv[normalizeBoltobservName(entry.Name())] = wb
	}
}

func (r *Resolver) fromBoltobserv(mapKey string) (WorldBounds, bool) {
	r.loadBoltobserv()
	wb, ok := r.boltobserv[mapKey]
	return wb, ok
}

var floatFindRE = func(key string) *regexp.Regexp {
	return regexp.MustCompile(key + `"?\s*[:=]?\s*"?(-?\d+(?:\.\d+)?)`)
}

func findFloat(raw, key string) (float64, bool) {
	m := floatFindRE(key).FindStringSubmatch(raw)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (r *Resolver) fromOverview(mapKey string) (WorldBounds, bool) {
	if r.OverviewDir == "" {
		return WorldBounds{}, false
	}
	jsonPath := filepath.Join(r.OverviewDir, mapKey+".json")
	if data, err := os.ReadFile(jsonPath); err == nil {
		if wb, ok := overviewFromJSON(data); ok {
			return wb, true
		}
	}
	txtPath := filepath.Join(r.OverviewDir, mapKey+".txt")
	data, err := os.ReadFile(txtPath)
	if err != nil {
		return WorldBounds{}, false
	}
	return overviewFromText(string(data))
}

func overviewFromJSON(data []byte) (WorldBounds, bool) {
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return WorldBounds{}, false
	}
	fields := []string{"min_x", "max_x", "min_y", "max_y"}
	for _, f := range fields {
		if !parsed.Get(f).Exists() {
			return WorldBounds{}, false
		}
	}
	return WorldBounds{
		MinX: parsed.Get("min_x").Float(), MaxX: parsed.Get("max_x").Float(),
		MinY: parsed.Get("min_y").Float(), MaxY: parsed.Get("max_y").Float(),
		Fixed: true,
	}, true
}

func overviewFromText(raw string) (WorldBounds, bool) {
	posX, okX := findFloat(raw, "pos_x")
	posY, okY := findFloat(raw, "pos_y")
	scale, okScale := findFloat(raw, "scale")
	if !okX || !okY || !okScale {
		return WorldBounds{}, false
	}
	width, ok := findFloat(raw, "width")
	if !ok {
		width, ok = findFloat(raw, "res_x")
	}
	if !ok {
		width, ok = findFloat(raw, "resolution")
	}
	if !ok {
		width = 1024.0
	}
	height, ok := findFloat(raw, "height")
	if !ok {
		height, ok = findFloat(raw, "res_y")
	}
	if !ok {
		height, ok = findFloat(raw, "resolution")
	}
	if !ok {
		height = 1024.0
	}
	maxX := posX + scale*width
	maxY := posY + scale*height
	minX, maxXOut := posX, maxX
	if minX > maxXOut {
		minX, maxXOut = maxXOut, minX
	}
	minY, maxYOut := posY, maxY
	if minY > maxYOut {
		minY, maxYOut = maxYOut, minY
	}
	return WorldBounds{MinX: minX, MaxX: maxXOut, MinY: minY, MaxY: maxYOut, Fixed: true}, true
}
