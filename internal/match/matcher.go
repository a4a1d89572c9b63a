// Package match evaluates log records against configured alerting rules and
// collapses repeated matches into deduplicated alerts.
package match

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fleetops/logkeeper/internal/config"
	"github.com/fleetops/logkeeper/internal/errkind"
	"github.com/fleetops/logkeeper/pkg/types"
)

type ruleKind int

const (
	ruleRegex ruleKind = iota
	rulePredicate
)

// Pattern is a compiled alerting rule. Rules are data loaded at startup and
// immutable for the lifetime of a run. The two variants are exhaustive:
// regex rules match against the raw line, predicate rules compare extracted
// fields.
type Pattern struct {
	ID            string
	Severity      types.Severity
	AlertTemplate string
	DedupeWindow  time.Duration

	kind    ruleKind
	re      *regexp.Regexp
	clauses []config.PredicateClause
}

// Compile builds patterns from configuration. Any invalid rule fails the
// whole load; the matcher never runs with a partial rule set.
func Compile(cfgs []config.PatternConfig) ([]*Pattern, error) {
	patterns := make([]*Pattern, 0, len(cfgs))
	for _, cfg := range cfgs {
		p := &Pattern{
			ID:            cfg.ID,
			Severity:      cfg.Severity,
			AlertTemplate: cfg.AlertTemplate,
			DedupeWindow:  cfg.DedupeWindow,
		}

		switch {
		case cfg.Rule != "":
			re, err := regexp.Compile(cfg.Rule)
			if err != nil {
				return nil, errkind.New(errkind.KindConfig, fmt.Errorf("pattern %q: %w", cfg.ID, err))
			}
			p.kind = ruleRegex
			p.re = re
		case len(cfg.Predicate) > 0:
			p.kind = rulePredicate
			p.clauses = cfg.Predicate
		default:
			return nil, errkind.Newf(errkind.KindConfig, "pattern %q has neither rule nor predicate", cfg.ID)
		}

		patterns = append(patterns, p)
	}
	return patterns, nil
}

// Match evaluates the pattern against a single record. Matching is
// line-local: no state is carried between records. The returned fields are
// the significant values extracted by the rule, used to build the dedupe
// key.
func (p *Pattern) Match(record *types.LogRecord) (map[string]string, bool) {
	switch p.kind {
	case ruleRegex:
		m := p.re.FindStringSubmatch(record.Raw)
		if m == nil {
			return nil, false
		}
		fields := make(map[string]string)
		for i, name := range p.re.SubexpNames() {
			if i != 0 && name != "" && i < len(m) {
				fields[name] = m[i]
			}
		}
		return fields, true

	case rulePredicate:
		fields := make(map[string]string)
		for _, clause := range p.clauses {
			value, ok := record.Fields[clause.Field]
			if !ok {
				return nil, false
			}
			switch clause.Op {
			case "equals":
				if value != clause.Value {
					return nil, false
				}
			case "contains":
				if !strings.Contains(value, clause.Value) {
					return nil, false
				}
			default:
				return nil, false
			}
			fields[clause.Field] = value
		}
		return fields, true
	}
	return nil, false
}

// Matcher evaluates every pattern independently against each record.
type Matcher struct {
	patterns []*Pattern
}

// NewMatcher creates a matcher over a compiled pattern set.
func NewMatcher(patterns []*Pattern) *Matcher {
	return &Matcher{patterns: patterns}
}

// Patterns returns the compiled pattern set.
func (m *Matcher) Patterns() []*Pattern {
	return m.patterns
}

// Evaluate returns one match event per pattern that matches the record.
func (m *Matcher) Evaluate(record *types.LogRecord) []*types.MatchEvent {
	var events []*types.MatchEvent
	for _, p := range m.patterns {
		fields, ok := p.Match(record)
		if !ok {
			continue
		}
		events = append(events, &types.MatchEvent{
			PatternID: p.ID,
			Record:    record,
			MatchedAt: record.Timestamp,
			Fields:    fields,
		})
	}
	return events
}

// DedupeKey builds the alert dedupe key from a pattern id and the rule's
// significant fields, in a stable order.
func DedupeKey(patternID string, fields map[string]string) string {
	if len(fields) == 0 {
		return patternID
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(patternID)
	for _, k := range keys {
		b.WriteByte(0x1f)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return b.String()
}
