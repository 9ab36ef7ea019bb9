package scanrule

import (
	"fmt"

	"github.com/alejandrodnm/tradelab/internal/domain"
)

// Evaluate checks r's conditions against bars, a strictly-ordered prefix
// ending at the bar to be evaluated (bars[len(bars)-1] is "now"). It returns
// a Signal and true when every condition holds, or false when the rule does
// not fire (not an error: most bars produce no signal).
func Evaluate(r Rule, bars []domain.Bar) (domain.Signal, bool, error) {
	if len(bars) == 0 {
		return domain.Signal{}, false, nil
	}
	current := bars[len(bars)-1]

	metrics, err := computeMetrics(bars)
	if err != nil {
		return domain.Signal{}, false, fmt.Errorf("scanrule.Evaluate: %w", err)
	}

	for _, c := range r.Conditions {
		ok, err := evalCondition(c, metrics, bars)
		if err != nil {
			return domain.Signal{}, false, fmt.Errorf("scanrule.Evaluate: %w", err)
		}
		if !ok {
			return domain.Signal{}, false, nil
		}
	}

	sig := domain.Signal{
		Ticker:          current.Ticker,
		SignalDate:      current.ExchangeDate().Format("2006-01-02"),
		SignalTime:      current.ExchangeTimeOfDay(),
		Direction:       domain.Direction(r.Direction),
		PatternStrength: r.PatternStrength,
		Metrics:         metrics,
	}
	return sig, sig.Valid(), nil
}

func computeMetrics(bars []domain.Bar) (map[string]float64, error) {
	current := bars[len(bars)-1]
	m := map[string]float64{
		string(MetricClose):  current.Close,
		string(MetricOpen):   current.Open,
		string(MetricHigh):   current.High,
		string(MetricLow):    current.Low,
		string(MetricVolume): float64(current.Volume),
	}
	if current.Open != 0 {
		m[string(MetricRangePct)] = (current.High - current.Low) / current.Open
	}
	m[string(MetricSMA20)] = sma(bars, 20)
	m[string(MetricSMA50)] = sma(bars, 50)
	m[string(MetricAvgVolume20)] = avgVolume(bars, 20)
	return m, nil
}

func sma(bars []domain.Bar, window int) float64 {
	n := window
	if n > len(bars) {
		n = len(bars)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for _, b := range bars[len(bars)-n:] {
		sum += b.Close
	}
	return sum / float64(n)
}

func avgVolume(bars []domain.Bar, window int) float64 {
	n := window
	if n > len(bars) {
		n = len(bars)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for _, b := range bars[len(bars)-n:] {
		sum += float64(b.Volume)
	}
	return sum / float64(n)
}

func evalCondition(c Condition, metrics map[string]float64, bars []domain.Bar) (bool, error) {
	left, ok := metrics[string(c.Metric)]
	if !ok {
		return false, fmt.Errorf("unknown metric %q", c.Metric)
	}

	var right float64
	switch {
	case c.Value != nil:
		right = *c.Value
	case c.Compare != "":
		v, ok := metrics[string(c.Compare)]
		if !ok {
			return false, fmt.Errorf("unknown compare metric %q", c.Compare)
		}
		right = v
	default:
		return false, fmt.Errorf("condition on %q has neither value nor compare", c.Metric)
	}
	if c.Multiplier != 0 {
		right *= c.Multiplier
	}

	switch c.Op {
	case OpGreaterThan:
		return left > right, nil
	case OpLessThan:
		return left < right, nil
	case OpCrossesUp, OpCrossesDown:
		return evalCross(c, metrics, bars, right)
	default:
		return false, fmt.Errorf("unknown operator %q", c.Op)
	}
}

// evalCross checks whether the metric crossed the compare target between
// the second-to-last and last bar in the prefix.
func evalCross(c Condition, metrics map[string]float64, bars []domain.Bar, currentRight float64) (bool, error) {
	if len(bars) < 2 {
		return false, nil
	}
	prevMetrics, err := computeMetrics(bars[:len(bars)-1])
	if err != nil {
		return false, err
	}
	prevLeft, ok := prevMetrics[string(c.Metric)]
	if !ok {
		return false, fmt.Errorf("unknown metric %q", c.Metric)
	}

	prevRight := currentRight
	if c.Compare != "" {
		v, ok := prevMetrics[string(c.Compare)]
		if !ok {
			return false, fmt.Errorf("unknown compare metric %q", c.Compare)
		}
		prevRight = v
		if c.Multiplier != 0 {
			prevRight *= c.Multiplier
		}
	}

	currentLeft := metrics[string(c.Metric)]
	if c.Op == OpCrossesUp {
		return prevLeft <= prevRight && currentLeft > currentRight, nil
	}
	return prevLeft >= prevRight && currentLeft < currentRight, nil
}
