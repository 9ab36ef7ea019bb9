// Package execution implements the Execution Template Engine (C4): a fixed
// catalogue of exit strategies run against Signals, scored by profit factor.
package execution

// Template is one exit-strategy parameterization from the catalogue (§4.4).
// Percentages are fractions (0.01 == 1%).
type Template struct {
	Name               string
	StopLossPct        float64
	TakeProfitPct      float64
	TrailingStopPct    float64 // 0 disables trailing
	TrailingActivatePct float64 // profit level at which trailing arms
	TimeExitBars       int     // 0 disables bar-count time exit
	PreCloseMinutes    int     // 0 disables pre-close time exit
	UseATR             bool    // ATR Adaptive: stop/target/trail are ATR multiples
	ATRStopMult        float64
	ATRTargetMult      float64
	ATRTrailMult       float64
	PriceActionTrail   bool // Price-Action Trailing: trail to prior bar's low/high after N profitable bars
	ProfitableBarsForTrail int
}

// Catalogue is the fixed set of execution templates every backtest scores
// (§4.4). Names are stable identifiers referenced from CLI flags and
// persisted Backtest.WinnerTemplate resolution.
var Catalogue = []Template{
	{
		Name:            "Conservative Scalper",
		StopLossPct:     0.010,
		TakeProfitPct:   0.015,
		TrailingStopPct: 0.005,
		TimeExitBars:    12,
	},
	{
		Name:                "Aggressive Swing",
		StopLossPct:         0.025,
		TakeProfitPct:       0.050,
		TrailingStopPct:     0.015,
		TrailingActivatePct: 0.02,
	},
	{
		Name:            "Time-Based Intraday",
		StopLossPct:     0.020,
		TakeProfitPct:   0.030,
		PreCloseMinutes: 30,
	},
	{
		Name:          "ATR Adaptive",
		UseATR:        true,
		ATRStopMult:   2.0,
		ATRTargetMult: 3.0,
		ATRTrailMult:  1.5,
	},
	{
		Name:                   "Price-Action Trailing",
		StopLossPct:            0.020,
		TakeProfitPct:          0.040,
		PriceActionTrail:       true,
		ProfitableBarsForTrail: 2,
	},
}

// ByName looks up a catalogue template, for the CLI's named-template path
// (§4.6 step 4a).
func ByName(name string) (Template, bool) {
	for _, t := range Catalogue {
		if t.Name == name {
			return t, true
		}
	}
	return Template{}, false
}
