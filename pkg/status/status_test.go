package status

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestHumanBytes(t *testing.T) {
	cases := map[uint64]string{
		0:          "0B",
		512:        "512B",
		1024:       "1.0KiB",
		1536:       "1.5KiB",
		1 << 20:    "1.0MiB",
		1 << 30:    "1.0GiB",
	}
	for n, want := range cases {
		if got := humanBytes(n); got != want {
			t.Errorf("humanBytes(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestFinalIncludesResults(t *testing.T) {
	s := Final(2048, 2*time.Second, []string{"md5 deadbeef"})
	if !strings.Contains(s, "2.0KiB") {
		t.Errorf("expected byte count in summary, got %q", s)
	}
	if !strings.Contains(s, "md5 deadbeef") {
		t.Errorf("expected destination result appended, got %q", s)
	}
}

func TestFinalSkipsEmptyResults(t *testing.T) {
	s := Final(0, 0, []string{""})
	if strings.Count(s, "\n") != 0 {
		t.Errorf("expected no extra lines for empty results, got %q", s)
	}
}

func TestNewReportComputesRate(t *testing.T) {
	r := NewReport("run-1", 2048, 2*time.Second, 3, 5, []string{"md5 deadbeef"})
	if r.BytesPerSecond != 1024 {
		t.Errorf("BytesPerSecond = %v, want 1024", r.BytesPerSecond)
	}
	if r.EmptyCount != 3 || r.FullCount != 5 {
		t.Errorf("counts = %d/%d, want 3/5", r.EmptyCount, r.FullCount)
	}
}

func TestWriteReportRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.yaml")
	want := NewReport("run-2", 4096, time.Second, 1, 2, []string{"sha256 cafebabe"})
	if err := WriteReport(path, want); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading report: %v", err)
	}
	var got Report
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round-tripped report = %+v, want %+v", got, want)
	}
}
