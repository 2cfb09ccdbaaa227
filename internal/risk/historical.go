package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/apex-trading/apex-core/internal/model"
)

// PoolInterface is the subset of pgxpool.Pool that LoadBars needs,
// narrowed so tests can satisfy it with a fake or pgxmock without
// pulling in a live database.
type PoolInterface interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// HistoricalAnalyzer derives Monte Carlo market_stats inputs (mean return
// vector, covariance matrix) from historical bars, and classifies the
// prevailing market regime the same way the reference risk calculator's
// moving-average crossover did. It is a supplement to the pure Evaluate
// contract, not part of it: Evaluate never calls this type directly.
type HistoricalAnalyzer struct {
	pool PoolInterface
}

// NewHistoricalAnalyzer wires an optional database pool used by
// LoadBars; pool may be nil, in which case LoadBars returns an error.
func NewHistoricalAnalyzer(pool PoolInterface) *HistoricalAnalyzer {
	return &HistoricalAnalyzer{pool: pool}
}

// LoadBars fetches persisted candles for symbol over the last `days`,
// mirroring the reference calculator's TimescaleDB-hypertable query
// shape. Returns an error if no pool was configured — callers that only
// ever replay in-memory scenarios should not construct one.
func (a *HistoricalAnalyzer) LoadBars(ctx context.Context, symbol, interval string, days int) ([]model.BarSample, error) {
	if a.pool == nil {
		return nil, fmt.Errorf("historical: no database pool configured")
	}
	rows, err := a.pool.Query(ctx, `
		SELECT open_time, open, high, low, close, volume
		FROM candlesticks
		WHERE symbol = $1 AND interval = $2 AND open_time > NOW() - ($3 || ' days')::interval
		ORDER BY open_time ASC`, symbol, interval, days)
	if err != nil {
		return nil, fmt.Errorf("historical: query candles for %s: %w", symbol, err)
	}
	defer rows.Close()

	var bars []model.BarSample
	for rows.Next() {
		var b model.BarSample
		var openF, highF, lowF, closeF, volF float64
		if err := rows.Scan(&b.TS, &openF, &highF, &lowF, &closeF, &volF); err != nil {
			return nil, fmt.Errorf("historical: scan candle row: %w", err)
		}
		b.Symbol = symbol
		b.Open = decimal.NewFromFloat(openF)
		b.High = decimal.NewFromFloat(highF)
		b.Low = decimal.NewFromFloat(lowF)
		b.Close = decimal.NewFromFloat(closeF)
		b.Volume = decimal.NewFromFloat(volF)
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// BuildMarketStats derives a MarketStats bundle for the Risk Engine from
// per-symbol historical bar series. Symbols are ordered as given, so
// callers can align a proposal's weight vector against the same order.
func BuildMarketStats(barsBySymbol map[string][]model.BarSample, symbols []string, horizonDays int) (model.MarketStats, error) {
	n := len(symbols)
	returns := make([][]float64, n)
	for i, symbol := range symbols {
		bars, ok := barsBySymbol[symbol]
		if !ok || len(bars) < 2 {
			return model.MarketStats{}, fmt.Errorf("historical: insufficient bars for %s to derive market stats", symbol)
		}
		returns[i] = dailyReturns(bars)
	}

	length := len(returns[0])
	for i := 1; i < n; i++ {
		if len(returns[i]) != length {
			length = min(length, len(returns[i]))
		}
	}
	for i := range returns {
		returns[i] = returns[i][len(returns[i])-length:]
	}

	means := make([]float64, n)
	for i, series := range returns {
		means[i] = mean(series)
	}

	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			c := covariance(returns[i], means[i], returns[j], means[j])
			cov[i][j] = c
			cov[j][i] = c
		}
	}

	return model.MarketStats{Symbols: symbols, MeanReturns: means, CovMatrix: cov, HorizonDays: horizonDays}, nil
}

func dailyReturns(bars []model.BarSample) []float64 {
	returns := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev, _ := bars[i-1].Close.Float64()
		cur, _ := bars[i].Close.Float64()
		if prev == 0 {
			continue
		}
		returns = append(returns, (cur-prev)/prev)
	}
	return returns
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// covariance uses Bessel's correction (N-1), matching the reference
// calculator's sample-variance convention.
func covariance(a []float64, meanA float64, b []float64, meanB float64) float64 {
	n := len(a)
	if n < 2 || len(b) != n {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += (a[i] - meanA) * (b[i] - meanB)
	}
	return sum / float64(n-1)
}

// DetectRegime classifies a symbol's bars using a short/long moving
// average crossover with a volatility override, the same shape as the
// reference calculator's DetectMarketRegime.
func DetectRegime(bars []model.BarSample, shortWindow, longWindow int) model.MarketRegime {
	if len(bars) < longWindow {
		return model.RegimeNormal
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i], _ = b.Close.Float64()
	}

	shortMA := movingAverage(closes, shortWindow)
	longMA := movingAverage(closes, longWindow)
	vol := stdDev(dailyReturnsFromCloses(closes))

	const highVolThreshold = 0.04
	if vol > highVolThreshold {
		return model.RegimeVolatile
	}
	switch {
	case shortMA > longMA*1.02:
		return model.RegimeBullish
	case shortMA < longMA*0.98:
		return model.RegimeBearish
	default:
		return model.RegimeNormal
	}
}

func movingAverage(xs []float64, window int) float64 {
	if window > len(xs) {
		window = len(xs)
	}
	tail := xs[len(xs)-window:]
	return mean(tail)
}

func dailyReturnsFromCloses(closes []float64) []float64 {
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
	}
	return returns
}

func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sumSq float64
	for _, x := range xs {
		sumSq += (x - m) * (x - m)
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}

// NewAnalyzerWithPool is a convenience constructor for the common case of
// wiring a live pgxpool.Pool directly.
func NewAnalyzerWithPool(pool *pgxpool.Pool) *HistoricalAnalyzer {
	return NewHistoricalAnalyzer(pool)
}
