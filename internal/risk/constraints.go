package risk

import "github.com/apex-trading/apex-core/internal/model"

// checkConstraints reports every violated constraint, in a stable order:
// position weight, concentration, cash ratio, VaR/drawdown, stress tests.
// The engine never repairs a proposal — it only reports.
func checkConstraints(weights []float64, cashWeight, varAlpha float64, constraints model.RiskConstraints, stressFailures []string) []model.ConstraintID {
	var violations []model.ConstraintID

	for _, w := range weights {
		if w > constraints.MaxPositionWeight {
			violations = append(violations, model.ConstraintMaxPositionWeight)
			break
		}
	}

	if hhi(weights) > constraints.MaxConcentrationHHI {
		violations = append(violations, model.ConstraintMaxConcentration)
	}

	if cashWeight < constraints.MinCashRatio {
		violations = append(violations, model.ConstraintMinCashRatio)
	}

	if varAlpha > constraints.MaxDrawdown {
		violations = append(violations, model.ConstraintMaxDrawdown)
	}

	if len(stressFailures) > 0 {
		violations = append(violations, model.ConstraintStressTest)
	}

	return violations
}

// hhi computes the Herfindahl-Hirschman concentration index, Σ wᵢ².
func hhi(weights []float64) float64 {
	var sum float64
	for _, w := range weights {
		sum += w * w
	}
	return sum
}
