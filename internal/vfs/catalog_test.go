package vfs

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestBaseScannerScanFindsAllEntries(t *testing.T) {
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "readme.txt"), "hi")
	writeFile(t, filepath.Join(tmp, "data", "a.txt"), "a")
	writeFile(t, filepath.Join(tmp, "data", "sub", "b.txt"), "b")

	scanner := NewBaseScanner()
	catalog, err := scanner.Scan(tmp)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	var rels []string
	for _, e := range catalog.Entries {
		rels = append(rels, e.Rel.String())
	}
	sort.Strings(rels)

	expected := []string{"data", "data/a.txt", "data/sub", "data/sub/b.txt", "readme.txt"}
	if len(rels) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, rels)
	}
	for i := range expected {
		if rels[i] != expected[i] {
			t.Errorf("entry %d: expected %q, got %q", i, expected[i], rels[i])
		}
	}
}

func TestBaseScannerScanIsCached(t *testing.T) {
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "readme.txt"), "hi")

	scanner := NewBaseScanner()
	first, err := scanner.Scan(tmp)
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}

	// Adding a file after the first scan must not appear in a cached rescan.
	writeFile(t, filepath.Join(tmp, "new.txt"), "new")

	second, err := scanner.Scan(tmp)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if first != second {
		t.Error("expected Scan to return the same cached Catalog pointer")
	}
	if len(second.Entries) != 1 {
		t.Errorf("expected cached scan to still report 1 entry, got %d", len(second.Entries))
	}
}

func TestBaseScannerInvalidateForcesRescan(t *testing.T) {
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "readme.txt"), "hi")

	scanner := NewBaseScanner()
	if _, err := scanner.Scan(tmp); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	writeFile(t, filepath.Join(tmp, "new.txt"), "new")
	scanner.Invalidate(tmp)

	rescanned, err := scanner.Scan(tmp)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if len(rescanned.Entries) != 2 {
		t.Errorf("expected rescan to see 2 entries, got %d", len(rescanned.Entries))
	}
}

func TestBaseScannerMissingBaseDirIsFatal(t *testing.T) {
	scanner := NewBaseScanner()
	if _, err := scanner.Scan(filepath.Join(os.TempDir(), "mo2vfs-does-not-exist")); err == nil {
		t.Error("expected scanning a missing base directory to error")
	}
}
