package match

import (
	"testing"
	"time"

	"github.com/fleetops/logkeeper/internal/config"
	"github.com/fleetops/logkeeper/internal/errkind"
	"github.com/fleetops/logkeeper/pkg/types"
)

func record(raw string, fields map[string]string) *types.LogRecord {
	return &types.LogRecord{
		Timestamp: time.Now(),
		SourceID:  "/var/log/app.log",
		Raw:       raw,
		Fields:    fields,
	}
}

func TestCompileRejectsBadRegex(t *testing.T) {
	_, err := Compile([]config.PatternConfig{
		{ID: "bad", Rule: "ERROR[", Severity: types.SeverityHigh},
	})
	if err == nil {
		t.Fatal("Compile() succeeded, want error")
	}
	if !errkind.Is(err, errkind.KindConfig) {
		t.Errorf("error kind = %v, want config", errkind.Classify(err))
	}
}

func TestRegexRuleMatch(t *testing.T) {
	patterns, err := Compile([]config.PatternConfig{
		{ID: "timeout", Rule: `ERROR.*timeout host=(?P<host>\S+)`, Severity: types.SeverityHigh},
	})
	if err != nil {
		t.Fatal(err)
	}

	fields, ok := patterns[0].Match(record("ERROR connection timeout host=web-1", nil))
	if !ok {
		t.Fatal("expected match")
	}
	if fields["host"] != "web-1" {
		t.Errorf("host = %q, want web-1", fields["host"])
	}

	if _, ok := patterns[0].Match(record("INFO all good", nil)); ok {
		t.Error("unexpected match on INFO line")
	}
}

func TestPredicateRuleMatch(t *testing.T) {
	patterns, err := Compile([]config.PatternConfig{
		{
			ID: "disk",
			Predicate: []config.PredicateClause{
				{Field: "device", Op: "equals", Value: "sda"},
				{Field: "msg", Op: "contains", Value: "full"},
			},
			Severity: types.SeverityCritical,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	fields, ok := patterns[0].Match(record("", map[string]string{"device": "sda", "msg": "disk is full"}))
	if !ok {
		t.Fatal("expected match")
	}
	if fields["device"] != "sda" {
		t.Errorf("device = %q", fields["device"])
	}

	if _, ok := patterns[0].Match(record("", map[string]string{"device": "sdb", "msg": "disk is full"})); ok {
		t.Error("unexpected match with wrong device")
	}
	if _, ok := patterns[0].Match(record("", map[string]string{"device": "sda"})); ok {
		t.Error("unexpected match with missing field")
	}
}

func TestEvaluateMultiplePatterns(t *testing.T) {
	patterns, err := Compile([]config.PatternConfig{
		{ID: "err", Rule: "ERROR", Severity: types.SeverityHigh},
		{ID: "warn", Rule: "WARN", Severity: types.SeverityLow},
	})
	if err != nil {
		t.Fatal(err)
	}
	m := NewMatcher(patterns)

	events := m.Evaluate(record("ERROR and WARN in one line", nil))
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	events = m.Evaluate(record("INFO quiet", nil))
	if len(events) != 0 {
		t.Fatalf("got %d events, want 0", len(events))
	}
}

func TestDedupeKeyStableOrder(t *testing.T) {
	a := DedupeKey("p1", map[string]string{"host": "web-1", "zone": "us-east"})
	b := DedupeKey("p1", map[string]string{"zone": "us-east", "host": "web-1"})
	if a != b {
		t.Errorf("keys differ: %q vs %q", a, b)
	}

	c := DedupeKey("p1", map[string]string{"host": "web-2", "zone": "us-east"})
	if a == c {
		t.Error("keys for different field values collide")
	}

	if DedupeKey("p1", nil) != "p1" {
		t.Error("empty-field key should be the pattern id")
	}
}
