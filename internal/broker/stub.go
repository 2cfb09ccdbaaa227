package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/apex-trading/apex-core/internal/model"
)

// StubBroker fills every order immediately at a fixed or per-symbol
// price, in the manner of the reference MockExchange but without fee or
// slippage simulation, which belongs to a production adapter.
type StubBroker struct {
	mu     sync.Mutex
	prices map[string]float64
	orders map[string]model.OrderResult
}

// NewStubBroker constructs a broker that fills everything at 0 unless
// SetPrice has been called for the symbol.
func NewStubBroker() *StubBroker {
	return &StubBroker{
		prices: make(map[string]float64),
		orders: make(map[string]model.OrderResult),
	}
}

// SetPrice fixes the fill price a symbol's orders execute at.
func (s *StubBroker) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

func (s *StubBroker) PlaceOrder(ctx context.Context, intent model.OrderIntent) (model.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	price := s.prices[intent.Symbol]
	result := model.OrderResult{
		IntentID: intent.ID,
		Status:   model.OrderStatusFilled,
		FilledQty: intent.Qty,
		AvgPrice:  decimal.NewFromFloat(price),
	}
	s.orders[intent.ID] = result
	return result, nil
}

func (s *StubBroker) CancelOrder(ctx context.Context, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[intentID]; !ok {
		return fmt.Errorf("broker: unknown order %q", intentID)
	}
	delete(s.orders, intentID)
	return nil
}

func (s *StubBroker) GetOrder(ctx context.Context, intentID string) (model.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.orders[intentID]
	if !ok {
		return model.OrderResult{}, fmt.Errorf("broker: unknown order %q", intentID)
	}
	return res, nil
}
