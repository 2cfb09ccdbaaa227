// Package marketdata defines the external collaborator contract the
// Market agent consumes live ticks through in a non-replay session.
// Grounded on the reference internal/market data feed shape, narrowed
// to the single method the Agent Network needs.
package marketdata

import (
	"context"

	"github.com/apex-trading/apex-core/internal/model"
)

// Source streams live bars for a set of symbols. Callers consume ticks
// until the returned channel closes or ctx is cancelled.
type Source interface {
	Stream(ctx context.Context, symbols []string) (<-chan model.BarSample, error)
}
