// Package broker defines the external collaborator contract the
// Executor agent dispatches OrderIntents through. Grounded on the
// teacher's internal/exchange.Exchange interface, narrowed to the
// order-lifecycle methods the Agent Network needs and generalized from
// one concrete exchange to any broker adapter.
package broker

import "context"

import "github.com/apex-trading/apex-core/internal/model"

// Broker places and tracks orders on behalf of an Executor agent.
// Production adapters live outside this module; this package ships
// only the contract and a deterministic in-memory stub for tests.
type Broker interface {
	PlaceOrder(ctx context.Context, intent model.OrderIntent) (model.OrderResult, error)
	CancelOrder(ctx context.Context, intentID string) error
	GetOrder(ctx context.Context, intentID string) (model.OrderResult, error)
}
