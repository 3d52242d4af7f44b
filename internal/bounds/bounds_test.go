package bounds

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStripJSON5(t *testing.T) {
	in := `{
		// a comment
		"resolution": 2.0, /* block
		comment */
		"offset": {"x": 128, "y": 256,},
	}`
	out := stripJSON5(in)
	if !jsonLooksClean(out) {
		t.Fatalf("stripJSON5 left comments/commas: %q", out)
	}
}

func jsonLooksClean(s string) bool {
	for _, bad := range []string{"//", "/*"} {
		if contains(s, bad) {
			return false
		}
	}
	return true
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}

func TestResolveBoltobservFormula(t *testing.T) {
	dir := t.TempDir()
	mapDir := filepath.Join(dir, "de_mirage")
	if err := os.MkdirAll(mapDir, 0o755); err != nil {
		t.Fatal(err)
	}
	meta := `{
		// radar meta
		"resolution": 2.0,
		"offset": {"x": 128, "y": 256},
		"zRange": {"min": -100, "max": 200},
	}`
	if err := os.WriteFile(filepath.Join(mapDir, "meta.json5"), []byte(meta), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewResolver("", "", dir)
	wb, ok := r.Resolve("Mirage")
	if !ok {
		t.Fatal("expected resolve to succeed")
	}
	if !wb.Fixed {
		t.Fatal("expected fixed bounds")
	}
	if wb.MinX != -128 || wb.MinY != -256 {
		t.Fatalf("min = (%v, %v), want (-128, -256)", wb.MinX, wb.MinY)
	}
	if wb.MaxX != -128+2048 || wb.MaxY != -256+2048 {
		t.Fatalf("max = (%v, %v), want (1920, 1792)", wb.MaxX, wb.MaxY)
	}
	if wb.ZRange == nil || wb.ZRange.Min != -100 || wb.ZRange.Max != 200 {
		t.Fatalf("zRange = %+v, want {-100 200}", wb.ZRange)
	}
}

func TestResolveExplicitTakesPriority(t *testing.T) {
	dir := t.TempDir()
	boundsFile := filepath.Join(dir, "world_bounds.json")
	content := `{"Mirage": {"min_x": -1, "max_x": 1, "min_y": -1, "max_y": 1}}`
	if err := os.WriteFile(boundsFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	boltDir := filepath.Join(dir, "bolt")
	mapDir := filepath.Join(boltDir, "de_mirage")
	os.MkdirAll(mapDir, 0o755)
	os.WriteFile(filepath.Join(mapDir, "meta.json5"), []byte(`{"resolution":2.0,"offset":{"x":1,"y":1}}`), 0o644)

	r := NewResolver(boundsFile, "", boltDir)
	wb, ok := r.Resolve("Mirage")
	if !ok {
		t.Fatal("expected resolve to succeed")
	}
	if wb.MaxX != 1 {
		t.Fatalf("explicit bounds should win, got MaxX=%v", wb.MaxX)
	}
}

func TestResolveNoneFound(t *testing.T) {
	r := NewResolver("", "", "")
	_, ok := r.Resolve("Mirage")
	if ok {
		t.Fatal("expected no resolution with no sources configured")
	}
}

func TestWidenRespectsFixed(t *testing.T) {
	wb := WorldBounds{MinX: 0, MaxX: 10, MinY: 0, MaxY: 10, Fixed: true}
	wb.Widen(100, 100)
	if wb.MaxX != 10 || wb.MaxY != 10 {
		t.Fatalf("fixed bounds were widened: %+v", wb)
	}
	free := WorldBounds{MinX: 0, MaxX: 10, MinY: 0, MaxY: 10}
	free.Widen(20, -5)
	if free.MaxX != 20 || free.MinY != -5 {
		t.Fatalf("unfixed bounds did not widen: %+v", free)
	}
}
