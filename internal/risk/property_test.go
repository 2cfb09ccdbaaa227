package risk

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/apex-trading/apex-core/internal/model"
)

// TestEvaluateIsPureAcrossRandomInputs exercises the determinism property
// (testable property 1) over randomly generated allocations and seeds:
// calling Evaluate twice with identical arguments must always produce an
// identical verdict, regardless of what those arguments are.
func TestEvaluateIsPureAcrossRandomInputs(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	stats := twoSymbolStats()
	constraints := defaultConstraints()

	properties.Property("Evaluate is pure for any (weight, seed) pair", prop.ForAll(
		func(aaplWeight float64, seed uint64) bool {
			remaining := 1 - aaplWeight
			proposal := model.StrategyProposal{
				Allocations: map[string]float64{"AAPL": aaplWeight, "MSFT": remaining / 2, "cash": remaining / 2},
			}
			portfolio := model.Portfolio{Cash: decimal.NewFromInt(100000)}
			opts := Options{Seed: seed, Paths: MinPaths}

			v1, err1 := Evaluate(portfolio, proposal, stats, constraints, opts)
			v2, err2 := Evaluate(portfolio, proposal, stats, constraints, opts)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return reflect.DeepEqual(v1, v2)
		},
		gen.Float64Range(0, 1),
		gen.UInt64(),
	))

	properties.TestingRun(t)
}
