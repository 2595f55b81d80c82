package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseSize(t *testing.T) {
	cases := map[string]int64{
		"100":  100,
		"128b": 128,
		"2k":   2048,
		"1M":   1024 * 1024,
		"1G":   1024 * 1024 * 1024,
		"1T":   1024 * 1024 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		if err != nil {
			t.Errorf("ParseSize(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseSizeRejectsGarbage(t *testing.T) {
	if _, err := ParseSize("not-a-size"); err == nil {
		t.Fatal("expected error for garbage input")
	}
}

func TestParseSizeRejectsByteLiteralBelowMinimum(t *testing.T) {
	if _, err := ParseSize("64b"); err == nil {
		t.Fatal("expected error for byte literal below 128")
	}
}

func TestParseSizePercentOfMemory(t *testing.T) {
	orig := physicalMemory
	physicalMemory = func() (uint64, error) { return 1000, nil }
	defer func() { physicalMemory = orig }()

	got, err := ParseSize("10%")
	if err != nil {
		t.Fatalf("ParseSize(10%%): %v", err)
	}
	if got != 100 {
		t.Errorf("ParseSize(10%%) = %d, want 100", got)
	}
}

func TestParseSizeRejectsPercentAboveCap(t *testing.T) {
	if _, err := ParseSize("95%"); err == nil {
		t.Fatal("expected error for percentage above the 90% cap")
	}
}

func TestValidateDerivesNumBlocksFromMemorySize(t *testing.T) {
	c := Default()
	c.BlockSize = 1024
	c.MemorySize = 10240
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.NumBlocks != 10 {
		t.Errorf("NumBlocks = %d, want 10", c.NumBlocks)
	}
}

func TestLoadRCFilesMergesInOrder(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "a.rc")
	p2 := filepath.Join(dir, "b.rc")
	os.WriteFile(p1, []byte("blocksize = 4k\nloglevel = debug\n"), 0644)
	os.WriteFile(p2, []byte("loglevel = warn\n"), 0644)

	vals, err := LoadRCFiles([]string{p1, p2})
	if err != nil {
		t.Fatalf("LoadRCFiles: %v", err)
	}
	if vals["loglevel"] != "warn" {
		t.Errorf("expected later file to win, got %q", vals["loglevel"])
	}
	if vals["blocksize"] != "4k" {
		t.Errorf("expected blocksize preserved from first file, got %q", vals["blocksize"])
	}
}

func TestRCPathsIncludesInstallPrefix(t *testing.T) {
	paths := RCPaths("blockpipe")
	if len(paths) < 2 {
		t.Fatalf("expected at least 2 rc paths, got %v", paths)
	}
	if paths[0] != "/etc/blockpipe.rc" {
		t.Errorf("paths[0] = %q, want /etc/blockpipe.rc", paths[0])
	}
	if !strings.Contains(paths[1], "etc/blockpipe.rc") {
		t.Errorf("paths[1] = %q, want an install-prefix etc path", paths[1])
	}
}

func TestLoadRCFilesSkipsMissing(t *testing.T) {
	vals, err := LoadRCFiles([]string{"/nonexistent/path.rc"})
	if err != nil {
		t.Fatalf("expected missing rc files to be skipped, got %v", err)
	}
	if len(vals) != 0 {
		t.Errorf("expected empty result, got %v", vals)
	}
}

func TestAddressFamilyPrefersIPv4OverIPv6(t *testing.T) {
	c := Default()
	c.AddressFamily4 = true
	c.AddressFamily6 = true
	if got := c.AddressFamily(); got != "tcp4" {
		t.Errorf("AddressFamily() = %q, want tcp4", got)
	}
}

func TestAddressFamilyDefaultsToUnrestricted(t *testing.T) {
	c := Default()
	if got := c.AddressFamily(); got != "" {
		t.Errorf("AddressFamily() = %q, want empty", got)
	}
}

func TestApplyRCReportsUnknownKeys(t *testing.T) {
	c := Default()
	unknown := c.ApplyRC(map[string]string{"blocksize": "8k", "totallybogus": "x"})
	if c.BlockSize != 8*1024 {
		t.Errorf("BlockSize = %d, want %d", c.BlockSize, 8*1024)
	}
	if len(unknown) != 1 || unknown[0] != "totallybogus" {
		t.Errorf("expected [totallybogus], got %v", unknown)
	}
}
