package marketdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/apex-trading/apex-core/internal/model"
)

// StubSource emits one synthetic bar per symbol at a fixed interval,
// for tests and for running the Market agent outside a replay session
// without a live feed wired in.
type StubSource struct {
	Interval time.Duration
	Price    float64
}

func (s StubSource) Stream(ctx context.Context, symbols []string) (<-chan model.BarSample, error) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	out := make(chan model.BarSample)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				for _, symbol := range symbols {
					bar := model.BarSample{
						TS:     now,
						Symbol: symbol,
						Open:   decimal.NewFromFloat(s.Price),
						High:   decimal.NewFromFloat(s.Price),
						Low:    decimal.NewFromFloat(s.Price),
						Close:  decimal.NewFromFloat(s.Price),
						Volume: decimal.Zero,
					}
					select {
					case out <- bar:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}
