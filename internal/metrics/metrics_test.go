package metrics

import (
	"testing"
)

func TestNewCollectorRegistersMetrics(t *testing.T) {
	c := NewCollector()

	c.SourceRecordsRead.WithLabelValues("app.log").Add(3)
	c.AlertsDispatched.Inc()
	c.UploadsTotal.WithLabelValues("verified").Inc()
	c.RetentionDeletions.WithLabelValues("local").Inc()
	c.UploadQueueDepth.Set(5)

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("no metric families registered")
	}

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"logkeeper_source_records_read_total",
		"logkeeper_alert_dispatched_total",
		"logkeeper_backup_uploads_total",
		"logkeeper_retention_deletions_total",
		"logkeeper_backup_queue_depth",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestCollectorsAreIsolated(t *testing.T) {
	// Two collectors must not collide: each carries its own registry.
	a := NewCollector()
	b := NewCollector()

	a.AbandonedUnits.Inc()

	families, err := b.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "logkeeper_backup_abandoned_units_total" {
			for _, m := range f.GetMetric() {
				if m.GetCounter().GetValue() != 0 {
					t.Fatal("counter leaked across collectors")
				}
			}
		}
	}
}
