package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistersCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.BlocksRead.Add(3)
	m.FillRatio.Set(0.5)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var sawBlocksRead bool
	for _, f := range families {
		if f.GetName() == "blockpipe_blocks_read_total" {
			sawBlocksRead = true
			if got := f.Metric[0].GetCounter().GetValue(); got != 3 {
				t.Errorf("blocks_read = %v, want 3", got)
			}
		}
	}
	if !sawBlocksRead {
		t.Error("expected blockpipe_blocks_read_total to be registered")
	}
}
