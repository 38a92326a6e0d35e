package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/qdb-io/qdbbuffer/pkg/buffer"
	"github.com/qdb-io/qdbbuffer/pkg/options"
)

func TestCollectorReportsSegmentCount(t *testing.T) {
	b, err := buffer.Open(options.WithDataDir(t.TempDir()), options.WithSegmentLength(4096+4096))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if _, err := b.Append(1000, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	c := NewCollector(b)

	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var found bool
	for _, fam := range families {
		if fam.GetName() != "qdbbuffer_segment_count" {
			continue
		}
		found = true
		if len(fam.Metric) != 1 || metricValue(fam.Metric[0]) != 1 {
			t.Fatalf("expected segment count 1, got %+v", fam.Metric)
		}
	}
	if !found {
		t.Fatalf("qdbbuffer_segment_count metric not gathered")
	}
}

func metricValue(m *dto.Metric) float64 {
	if m.Gauge != nil {
		return m.Gauge.GetValue()
	}
	return 0
}
