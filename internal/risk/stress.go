package risk

// StressScenario is a deterministic shock applied on top of the
// simulation: a per-symbol return shock and a volatility multiplier.
type StressScenario struct {
	Name          string
	ReturnShock   map[string]float64 // symbol -> shock return; "*" is a blanket default
	VolMultiplier float64
}

// DefaultStressScenarios returns the minimum set the spec requires.
func DefaultStressScenarios() []StressScenario {
	return []StressScenario{
		{Name: "market_crash_-20pct", ReturnShock: map[string]float64{"*": -0.20}, VolMultiplier: 2.0},
		{Name: "rate_shock_+200bp", ReturnShock: map[string]float64{"*": -0.05}, VolMultiplier: 1.5},
		{Name: "tech_sector_-30pct", ReturnShock: map[string]float64{"*": -0.30}, VolMultiplier: 1.8},
	}
}

// stressReturn applies scenario's shock to the proposal's weight vector,
// aligned against symbols in the same order.
func stressReturn(weights []float64, symbols []string, scenario StressScenario) float64 {
	blanket, hasBlanket := scenario.ReturnShock["*"]
	var r float64
	for i, w := range weights {
		shock, ok := scenario.ReturnShock[symbols[i]]
		if !ok {
			if !hasBlanket {
				continue
			}
			shock = blanket
		}
		r += w * shock * scenario.VolMultiplier
	}
	return r
}

// evaluateStress returns the names of every scenario whose shocked
// portfolio return is worse than -maxDrawdown.
func evaluateStress(weights []float64, symbols []string, scenarios []StressScenario, maxDrawdown float64) []string {
	var failures []string
	for _, scenario := range scenarios {
		r := stressReturn(weights, symbols, scenario)
		if r < -maxDrawdown {
			failures = append(failures, scenario.Name)
		}
	}
	return failures
}
