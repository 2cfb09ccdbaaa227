// Package risk implements the Risk Evaluation Core: a pure Monte Carlo
// simulation over proposed allocations, VaR/Expected-Shortfall estimation,
// deterministic stress scenarios and constraint checks. Evaluate performs
// no I/O and is reproducible bit-for-bit for a given seed and path count.
package risk

import (
	"fmt"
	"sort"

	"github.com/apex-trading/apex-core/internal/model"
)

// DefaultPaths is the Monte Carlo path count used when a caller does not
// override it. Must lie in [MinPaths, MaxPaths].
const (
	DefaultPaths     = 10_000
	MinPaths         = 1_000
	MaxPaths         = 1_000_000
	DefaultAlpha     = 0.95
	MinTailSamples   = 20
	MinTradeNotional = 50.0
)

// Options tunes one Evaluate call. Seed makes the simulation reproducible;
// the same (portfolio, proposal, marketStats, constraints, Options) always
// yields an identical RiskVerdict.
type Options struct {
	Seed    uint64
	Paths   int
	Alpha   float64
	Stress  []StressScenario
	Workers int // worker-pool width for path simulation; 0 picks GOMAXPROCS
}

// WithDefaults fills unset fields with spec defaults.
func (o Options) WithDefaults() Options {
	if o.Paths == 0 {
		o.Paths = DefaultPaths
	}
	if o.Alpha == 0 {
		o.Alpha = DefaultAlpha
	}
	if len(o.Stress) == 0 {
		o.Stress = DefaultStressScenarios()
	}
	return o
}

// Evaluate is the Risk Engine's single contract: pure, deterministic,
// no I/O. It simulates N portfolio-return paths for proposal's target
// allocations under marketStats, computes VaR/ES, runs the stress
// scenarios, and checks every constraint, returning an ordered list of
// violations (never silently repairing the proposal).
func Evaluate(portfolio model.Portfolio, proposal model.StrategyProposal, stats model.MarketStats, constraints model.RiskConstraints, opts Options) (model.RiskVerdict, error) {
	opts = opts.WithDefaults()
	if opts.Paths < MinPaths || opts.Paths > MaxPaths {
		return model.RiskVerdict{}, fmt.Errorf("risk: paths %d out of range [%d, %d]", opts.Paths, MinPaths, MaxPaths)
	}

	weights, cashWeight, err := alignWeights(proposal.Allocations, stats.Symbols)
	if err != nil {
		return model.RiskVerdict{}, err
	}

	pathReturns, err := simulate(stats, weights, opts)
	if err != nil {
		return model.RiskVerdict{}, err
	}

	varAlpha, esAlpha, floored := varAndES(pathReturns, opts.Alpha)

	stressFailures := evaluateStress(weights, stats.Symbols, opts.Stress, constraints.MaxDrawdown)

	verdict := model.RiskVerdict{
		VaR95:             varAlpha,
		ExpectedShortfall: esAlpha,
		ESSampleFloor:     floored,
		StressFailures:    stressFailures,
	}

	verdict.Violations = checkConstraints(weights, cashWeight, varAlpha, constraints, stressFailures)
	verdict.Approved = len(verdict.Violations) == 0
	verdict.Rationale = rationale(verdict)

	return verdict, nil
}

// alignWeights builds a weight vector matching stats.Symbols order and
// returns the cash weight separately. A symbol in allocations that is not
// present in stats.Symbols is a Protocol-level error — the caller proposed
// something the market stats cannot price.
func alignWeights(allocations map[string]float64, symbols []string) ([]float64, float64, error) {
	weights := make([]float64, len(symbols))
	idx := make(map[string]int, len(symbols))
	for i, s := range symbols {
		idx[s] = i
	}
	var cash float64
	for symbol, w := range allocations {
		if symbol == "cash" {
			cash = w
			continue
		}
		i, ok := idx[symbol]
		if !ok {
			return nil, 0, fmt.Errorf("risk: proposal allocates to symbol %q absent from market stats", symbol)
		}
		weights[i] = w
	}
	return weights, cash, nil
}

func varAndES(returns []float64, alpha float64) (varAlpha, esAlpha float64, floored bool) {
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)

	tailCount := int(float64(len(sorted)) * (1 - alpha))
	if tailCount < MinTailSamples {
		tailCount = MinTailSamples
		floored = true
	}
	if tailCount > len(sorted) {
		tailCount = len(sorted)
	}
	if tailCount == 0 {
		tailCount = 1
	}

	quantileIdx := tailCount - 1
	quantile := sorted[quantileIdx]
	varAlpha = -quantile

	var sum float64
	for _, r := range sorted[:tailCount] {
		sum += r
	}
	esAlpha = -(sum / float64(tailCount))

	return varAlpha, esAlpha, floored
}

func rationale(v model.RiskVerdict) string {
	if v.Approved {
		return fmt.Sprintf("approved: VaR95=%.4f ES95=%.4f within constraints", v.VaR95, v.ExpectedShortfall)
	}
	return fmt.Sprintf("rejected: %d constraint violation(s)", len(v.Violations))
}
