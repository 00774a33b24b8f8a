// Vigil - Hybrid Intrusion Detection Alert Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package enrich computes derived alert fields through an ordered chain of
// pure steps. Steps never change alert identity and never stop the
// pipeline; a failing step is skipped and counted.
package enrich

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/tomtom215/vigil/internal/schema"
)

// Step is one enrichment stage. Implementations must be side-effect-free
// outside the alert itself and bounded in latency.
type Step interface {
	// Name identifies the step in logs and counters.
	Name() string

	// Apply mutates derived fields on the alert in place.
	Apply(a *schema.Alert) error
}

// Chain runs steps in order. A step error skips that step only.
type Chain struct {
	steps  []Step
	errors atomic.Uint64

	// OnError is invoked for each step failure, if set.
	OnError func(step string, err error)
}

// NewChain builds the default chain: risk score, then category tag.
// Additional steps append after the built-ins.
func NewChain(extra ...Step) *Chain {
	steps := []Step{riskScoreStep{}, categoryStep{}}
	steps = append(steps, extra...)
	return &Chain{steps: steps}
}

// Enrich applies every step to the alert. The alert_id is never touched.
func (c *Chain) Enrich(a *schema.Alert) {
	for _, s := range c.steps {
		if err := s.Apply(a); err != nil {
			c.errors.Add(1)
			if c.OnError != nil {
				c.OnError(s.Name(), err)
			}
		}
	}
}

// ErrorCount returns the total number of skipped step applications.
func (c *Chain) ErrorCount() uint64 {
	return c.errors.Load()
}

// riskScoreStep derives risk_score from severity and the producer's
// confidence value. Severity contributes up to 80 points, confidence up
// to 20. The result is clamped to 0..100.
type riskScoreStep struct{}

func (riskScoreStep) Name() string { return "risk_score" }

func (riskScoreStep) Apply(a *schema.Alert) error {
	if a.Severity < schema.SeverityInfo || a.Severity > schema.SeverityCritical {
		return fmt.Errorf("severity out of range: %d", a.Severity)
	}
	score := int(a.Severity)*20 + int(math.Round(a.Confidence()*20))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	a.RiskScore = score
	return nil
}

// categoryStep tags the alert with a dotted category derived from its
// source family, refined by rule_id when one is present.
type categoryStep struct{}

func (categoryStep) Name() string { return "category" }

var sourceCategories = map[string]string{
	schema.SourceNIDSSignature: "network.signature",
	schema.SourceNIDSAnomaly:   "network.anomaly",
	schema.SourceHIDSFile:      "host.integrity",
	schema.SourceHIDSProcess:   "host.process",
	schema.SourceHIDSLog:       "host.log",
	schema.SourceCorrelation:   "correlated",
}

func (categoryStep) Apply(a *schema.Alert) error {
	base, ok := sourceCategories[a.Source]
	if !ok {
		return fmt.Errorf("unknown source: %q", a.Source)
	}
	if rule := a.MetaString(schema.MetaRuleID); rule != "" {
		a.Category = base + "." + rule
		return nil
	}
	a.Category = base
	return nil
}

// StepFunc adapts a function to the Step interface.
type StepFunc struct {
	StepName string
	Fn       func(a *schema.Alert) error
}

func (s StepFunc) Name() string                { return s.StepName }
func (s StepFunc) Apply(a *schema.Alert) error { return s.Fn(a) }
