package source

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeDemo(t *testing.T, dir, name string, content []byte, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIsValid(t *testing.T) {
	dir := t.TempDir()
	valid := writeDemo(t, dir, "ok.dem", []byte("HL2DEMO\x00rest"), time.Now())
	invalid := writeDemo(t, dir, "bad.dem", []byte("NOTDEMO\x00rest"), time.Now())
	short := writeDemo(t, dir, "short.dem", []byte("HL2"), time.Now())

	if !IsValid(valid) {
		t.Error("valid demo rejected")
	}
	if IsValid(invalid) {
		t.Error("invalid magic accepted")
	}
	if IsValid(short) {
		t.Error("truncated file accepted")
	}
	if IsValid(filepath.Join(dir, "missing.dem")) {
		t.Error("missing file accepted")
	}
}

func TestListOrderAndVersion(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	writeDemo(t, dir, "older.dem", []byte("HL2DEMO\x00"), base)
	writeDemo(t, dir, "newer.dem", []byte("HL2DEMO\x00"), base.Add(time.Minute))

	s := New(dir)
	entries, v1 := s.Rescan()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Name != "newer.dem" || entries[1].Name != "older.dem" {
		t.Fatalf("order = [%s, %s], want [newer.dem, older.dem]", entries[0].Name, entries[1].Name)
	}

	// Unchanged directory: same version.
	if _, v2 := s.Rescan(); v2 != v1 {
		t.Fatalf("version changed without a list change: %d -> %d", v1, v2)
	}

	// New file: version bumps.
	writeDemo(t, dir, "newest.dem", []byte("HL2DEMO\x00"), base.Add(2*time.Minute))
	entries, v3 := s.Rescan()
	if v3 <= v1 {
		t.Fatalf("version did not increase: %d -> %d", v1, v3)
	}
	if entries[0].Name != "newest.dem" {
		t.Fatalf("newest demo not first: %s", entries[0].Name)
	}

	// Mtime reorder without a name change also bumps.
	writeDemo(t, dir, "older.dem", []byte("HL2DEMO\x00"), base.Add(3*time.Minute))
	if _, v4 := s.Rescan(); v4 <= v3 {
		t.Fatalf("version did not increase on mtime reorder: %d -> %d", v3, v4)
	}
}

func TestLatestSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	writeDemo(t, dir, "good.dem", []byte("HL2DEMO\x00"), base)
	writeDemo(t, dir, "corrupt.dem", []byte("NOTDEMO\x00"), base.Add(time.Minute))

	s := New(dir)
	latest, ok := s.Latest()
	if !ok {
		t.Fatal("no latest demo found")
	}
	if latest.Name != "good.dem" {
		t.Fatalf("latest = %s, want good.dem (corrupt one is newer but invalid)", latest.Name)
	}
}

func TestResolveContainment(t *testing.T) {
	dir := t.TempDir()
	writeDemo(t, dir, "match.dem", []byte("HL2DEMO\x00"), time.Now())

	s := New(dir)
	if _, err := s.Resolve("match.dem"); err != nil {
		t.Errorf("in-dir demo rejected: %v", err)
	}
	if _, err := s.Resolve("../escape.dem"); !errors.Is(err, ErrOutsideDemoDir) {
		t.Errorf("traversal not rejected, err = %v", err)
	}
	if _, err := s.Resolve("match.txt"); !errors.Is(err, ErrNotDemo) {
		t.Errorf("wrong suffix not rejected, err = %v", err)
	}
	if _, err := s.Resolve("missing.dem"); err == nil {
		t.Error("nonexistent demo resolved")
	}
}

func TestEmptyOrMissingDir(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope"))
	entries, _ := s.Rescan()
	if len(entries) != 0 {
		t.Fatalf("got %d entries from missing dir", len(entries))
	}
	if _, ok := s.Latest(); ok {
		t.Error("Latest returned ok for missing dir")
	}
}
