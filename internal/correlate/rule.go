// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package correlate

import (
	"fmt"
	"regexp"
	"time"

	"github.com/tomtom215/vigil/internal/config"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/schema"
)

// WildcardSource matches every event source in a matcher.
const WildcardSource = "*"

// Matcher is one compiled required-event predicate.
type Matcher struct {
	Source  string
	Pattern *regexp.Regexp
}

func (m Matcher) matches(e *event) bool {
	if m.Source != WildcardSource && m.Source != e.source {
		return false
	}
	return m.Pattern.MatchString(e.text)
}

// Rule is a compiled correlation rule.
type Rule struct {
	ID          string
	Name        string
	Description string
	Severity    schema.Severity
	Window      time.Duration
	Matchers    []Matcher
	SameActor   bool
	MinDistinct int

	// Cooldown suppresses re-firings of the same contributing set.
	// Defaults to Window.
	Cooldown time.Duration
}

// CompileRule turns a rule definition into an evaluable rule. A regex
// compile error fails the whole rule.
func CompileRule(rc config.RuleConfig) (*Rule, error) {
	sev, ok := schema.ParseSeverity(rc.Severity)
	if !ok {
		return nil, fmt.Errorf("rule %s: unknown severity %q", rc.RuleID, rc.Severity)
	}

	matchers := make([]Matcher, 0, len(rc.RequiredEvents))
	for i, m := range rc.RequiredEvents {
		if m.Source != WildcardSource && !schema.ValidSource(m.Source) {
			return nil, fmt.Errorf("rule %s: matcher %d has unknown source %q", rc.RuleID, i, m.Source)
		}
		re, err := regexp.Compile("(?i)" + m.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: matcher %d: %w", rc.RuleID, i, err)
		}
		matchers = append(matchers, Matcher{Source: m.Source, Pattern: re})
	}

	minDistinct := rc.MinDistinctEvents
	if minDistinct <= 0 {
		minDistinct = len(matchers)
	}

	return &Rule{
		ID:          rc.RuleID,
		Name:        rc.Name,
		Description: rc.Description,
		Severity:    sev,
		Window:      rc.TimeWindow(),
		Matchers:    matchers,
		SameActor:   rc.SameActor,
		MinDistinct: minDistinct,
		Cooldown:    rc.TimeWindow(),
	}, nil
}

// CompileRules compiles every definition, dropping rules that fail to
// compile. A dropped rule is logged and never evaluated; the rest proceed.
func CompileRules(defs []config.RuleConfig) []*Rule {
	rules := make([]*Rule, 0, len(defs))
	for _, rc := range defs {
		r, err := CompileRule(rc)
		if err != nil {
			logging.Err(err).Str("rule_id", rc.RuleID).Msg("Correlation rule disabled")
			continue
		}
		rules = append(rules, r)
	}
	return rules
}
