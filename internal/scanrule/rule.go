// Package scanrule implements the tiny declarative scan-rule format hosted
// by the reference scanner-worker binary (cmd/scanner-worker). A scanner
// "version" in this lab is YAML describing a set of indicator comparisons
// rather than source code in a general-purpose language, since no real
// NL->code runtime is in scope; this is enough to exercise the full C2/C3/C8
// protocol end-to-end.
package scanrule

import (
	"fmt"

	"github.com/alejandrodnm/tradelab/internal/domain"
	"gopkg.in/yaml.v3"
)

// Comparator is the relational operator applied between a metric and its
// compare target.
type Comparator string

const (
	OpGreaterThan Comparator = "gt"
	OpLessThan    Comparator = "lt"
	OpCrossesUp   Comparator = "crosses_up"
	OpCrossesDown Comparator = "crosses_down"
)

// Metric names a computed indicator value available to a Condition.
type Metric string

const (
	MetricClose        Metric = "close"
	MetricOpen         Metric = "open"
	MetricHigh         Metric = "high"
	MetricLow          Metric = "low"
	MetricVolume       Metric = "volume"
	MetricSMA20        Metric = "sma20"
	MetricSMA50        Metric = "sma50"
	MetricAvgVolume20  Metric = "avg_volume20"
	MetricRangePct     Metric = "range_pct" // (high-low)/open
)

// Condition is one comparison between a Metric and either another Metric
// (Compare) or a fixed Value, optionally scaled by Multiplier.
type Condition struct {
	Metric     Metric     `yaml:"metric"`
	Op         Comparator `yaml:"op"`
	Compare    Metric     `yaml:"compare,omitempty"`
	Value      *float64   `yaml:"value,omitempty"`
	Multiplier float64    `yaml:"multiplier,omitempty"`
}

// Rule is one parsed scan-rule document: an agent's entire scanner version
// in this reference implementation.
type Rule struct {
	Name            string      `yaml:"name"`
	Direction       string      `yaml:"direction"`
	Tickers         []string    `yaml:"tickers,omitempty"`
	Conditions      []Condition `yaml:"rules"`
	PatternStrength float64     `yaml:"pattern_strength"`
}

// Parse decodes a scan-rule YAML document.
func Parse(code string) (Rule, error) {
	var r Rule
	if err := yaml.Unmarshal([]byte(code), &r); err != nil {
		return Rule{}, fmt.Errorf("scanrule.Parse: %w", err)
	}
	if r.Direction == "" {
		r.Direction = string(domain.DirectionLong)
	}
	if r.PatternStrength == 0 {
		r.PatternStrength = 60
	}
	return r, nil
}

// IntendedUniverse returns the ticker universe declared by the rule, used by
// the Paper-Trading Orchestrator (§4.8) to know which tickers to subscribe.
func (r Rule) IntendedUniverse() []string {
	return r.Tickers
}
