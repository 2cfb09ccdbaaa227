package replay

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/apex-trading/apex-core/internal/model"
)

// Built-in scenario ids.
const (
	Scenario2008Crisis = "2008_crisis"
	Scenario2020Covid  = "2020_covid"
	Scenario2022Bear   = "2022_bear"
)

// syntheticShock builds a deterministic daily bar series for symbol
// starting at startPrice, applying dailyDrift for n days with a single
// sharp shock on shockDay. This is a stand-in for persisted historical
// data so the named scenarios are runnable without a database; a
// production deployment loads real bars through
// internal/risk.HistoricalAnalyzer.LoadBars instead.
func syntheticShock(symbol string, start time.Time, startPrice float64, n int, dailyDrift, shockDay, shockPct float64) []model.BarSample {
	bars := make([]model.BarSample, 0, n)
	price := startPrice
	for i := 0; i < n; i++ {
		if float64(i) == shockDay {
			price *= 1 + shockPct
		} else {
			price *= 1 + dailyDrift
		}
		open := price / (1 + dailyDrift)
		bars = append(bars, model.BarSample{
			TS:     start.AddDate(0, 0, i),
			Symbol: symbol,
			Open:   decimal.NewFromFloat(open),
			High:   decimal.NewFromFloat(price * 1.01),
			Low:    decimal.NewFromFloat(price * 0.99),
			Close:  decimal.NewFromFloat(price),
			Volume: decimal.NewFromInt(1_000_000),
		})
	}
	return bars
}

// RegisterDefaults populates store with the three named stress
// scenarios a replay session can load: a sharp single-day crash, a
// pandemic-style volatility regime, and a grinding drawdown.
func RegisterDefaults(store *Store) {
	crisis2008 := time.Date(2008, 9, 1, 0, 0, 0, 0, time.UTC)
	store.Register(Scenario{ID: Scenario2008Crisis, Bars: map[string][]model.BarSample{
		"SPX": syntheticShock("SPX", crisis2008, 1200, 30, 0.0, 15, -0.20),
	}})

	covid2020 := time.Date(2020, 2, 15, 0, 0, 0, 0, time.UTC)
	store.Register(Scenario{ID: Scenario2020Covid, Bars: map[string][]model.BarSample{
		"SPX": syntheticShock("SPX", covid2020, 3300, 40, 0.001, 10, -0.12),
	}})

	bear2022 := time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC)
	store.Register(Scenario{ID: Scenario2022Bear, Bars: map[string][]model.BarSample{
		"SPX": syntheticShock("SPX", bear2022, 4800, 60, -0.004, 30, -0.04),
	}})
}
