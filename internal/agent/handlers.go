package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/apex-trading/apex-core/internal/broker"
	"github.com/apex-trading/apex-core/internal/model"
	"github.com/apex-trading/apex-core/internal/reasoner"
	"github.com/apex-trading/apex-core/internal/risk"
)

// MarketHandler republishes a tick or replay.bar trigger as a
// market.snapshot; the Agent Runtime's MarketThrottle is what actually
// caps its publish rate at one snapshot per interval (1 Hz by default),
// so this handler stays a plain, unconditional translation.
func MarketHandler() Handler {
	return func(ctx context.Context, trigger model.Message, history []model.Message, port reasoner.Port) ([]Publication, error) {
		var bar model.BarSample
		if _, err := model.DecodePayload(trigger.Payload, &bar); err != nil {
			return nil, err
		}
		snapshot := model.MarketSnapshot{
			TS:     bar.TS,
			Prices: map[string]decimal.Decimal{bar.Symbol: bar.Close},
		}
		return []Publication{{Topic: model.KindMarketSnapshot, Payload: snapshot}}, nil
	}
}

// StrategySchema validates a reasoner result that decodes into a
// model.StrategyProposal with allocations summing to ~1.
var StrategySchema = reasoner.Schema{
	Kind: model.KindStrategy,
	Validate: func(data json.RawMessage) error {
		var p model.StrategyProposal
		if _, err := model.DecodePayload(data, &p); err != nil {
			return err
		}
		var total float64
		for _, w := range p.Allocations {
			total += w
		}
		if total < 0.98 || total > 1.02 {
			return fmt.Errorf("allocations sum to %.4f, expected ~1.0", total)
		}
		return nil
	},
}

// StrategyHandler builds a Handler for the Strategy role: on a
// market.snapshot or debate round request, calls the Reasoner for a
// fresh allocation proposal.
func StrategyHandler() Handler {
	return func(ctx context.Context, trigger model.Message, history []model.Message, port reasoner.Port) ([]Publication, error) {
		res, err := port.Reason(ctx, reasoner.Context{
			Role:           model.RoleStrategy,
			PromptTemplate: "strategy.propose",
			Messages:       history,
		}, StrategySchema)
		if err != nil {
			return nil, err
		}
		var p model.StrategyProposal
		if _, err := model.DecodePayload(res.Data, &p); err != nil {
			return nil, err
		}
		return []Publication{{Topic: model.KindStrategy, Payload: p}}, nil
	}
}

// RiskConfig bundles what the Risk role's handler needs beyond the
// triggering proposal: the engine's pure inputs.
type RiskConfig struct {
	Portfolio   func() model.Portfolio
	Stats       func() model.MarketStats
	Constraints func() model.RiskConstraints
	Options     risk.Options
}

// RiskHandler evaluates a proposal.strategy through the pure Risk Engine
// (no reasoner call — the Risk role never asks an LLM to judge risk; it
// evaluates deterministically and publishes the verdict).
func RiskHandler(cfg RiskConfig) Handler {
	return func(ctx context.Context, trigger model.Message, history []model.Message, port reasoner.Port) ([]Publication, error) {
		var p model.StrategyProposal
		if _, err := model.DecodePayload(trigger.Payload, &p); err != nil {
			return nil, err
		}
		verdict, err := risk.Evaluate(cfg.Portfolio(), p, cfg.Stats(), cfg.Constraints(), cfg.Options)
		if err != nil {
			return nil, err
		}
		return []Publication{{Topic: model.KindRiskVerdict, Payload: verdict}}, nil
	}
}

// NarrationSchema accepts any result, empty or not; the Explainer role's
// narration has no structural constraints.
var NarrationSchema = reasoner.Schema{
	Kind:     model.KindNarration,
	Validate: func(data json.RawMessage) error { return nil },
}

// ExplainerHandler narrates every message it observes (it subscribes to
// "*"), summarizing the session's current state for a human observer.
func ExplainerHandler() Handler {
	return func(ctx context.Context, trigger model.Message, history []model.Message, port reasoner.Port) ([]Publication, error) {
		res, err := port.Reason(ctx, reasoner.Context{
			Role:           model.RoleExplainer,
			PromptTemplate: "explainer.narrate",
			Messages:       history,
			State:          map[string]interface{}{"trigger_topic": trigger.Topic},
		}, NarrationSchema)
		if err != nil {
			return nil, err
		}
		return []Publication{{Topic: model.KindNarration, Payload: res.Data}}, nil
	}
}

// ExecutorHandler turns an approved StrategyProposal into an OrderIntent
// per symbol whose delta from the current mark-priced position exceeds
// minNotional, generalized from the reference exchange order-submission
// path: each intent is dispatched to b immediately and its result
// published alongside it, the way the reference order-submission flow
// pairs a placed order with its fill. marks supplies the latest known
// price per symbol (from the Market role's snapshots); a held symbol
// absent from marks falls back to its position's average cost to value
// the current side of the delta (Portfolio.Equity itself skips an
// unpriced position entirely valuing the total, which this handler
// cannot do for a single symbol it must size an order against).
func ExecutorHandler(portfolio func() model.Portfolio, marks func() map[string]decimal.Decimal, minNotional float64, b broker.Broker) Handler {
	return func(ctx context.Context, trigger model.Message, history []model.Message, port reasoner.Port) ([]Publication, error) {
		var p model.StrategyProposal
		if _, err := model.DecodePayload(trigger.Payload, &p); err != nil {
			return nil, err
		}
		pf := portfolio()
		markPrices := marks()
		equityF, _ := pf.Equity(markPrices).Float64()

		var pubs []Publication
		for symbol, weight := range p.Allocations {
			if symbol == "cash" {
				continue
			}
			targetNotional := weight * equityF

			var currentValue float64
			mark, haveMark := markPrices[symbol]
			if pos, ok := pf.Positions[symbol]; ok {
				if !haveMark {
					mark = pos.AvgCost
				}
				currentValue, _ = pos.Qty.Mul(mark).Float64()
			}

			delta := targetNotional - currentValue
			if math.Abs(delta) < minNotional {
				continue
			}

			side := model.SideBuy
			if delta < 0 {
				side = model.SideSell
			}
			deltaNotional := decimal.NewFromFloat(math.Abs(delta))

			intent := model.OrderIntent{
				ID:       uuid.NewString(),
				Symbol:   symbol,
				Side:     side,
				Notional: deltaNotional,
				Type:     model.OrderMarket,
			}
			if haveMark && !mark.IsZero() {
				intent.Qty = deltaNotional.Div(mark)
			}
			pubs = append(pubs, Publication{Topic: model.KindOrderIntent, Payload: intent})

			if b == nil {
				continue
			}
			result, err := b.PlaceOrder(ctx, intent)
			if err != nil {
				result = model.OrderResult{IntentID: intent.ID, Status: model.OrderStatusFailed, Reason: err.Error()}
			}
			pubs = append(pubs, Publication{Topic: model.KindOrderResult, Payload: result})
		}
		return pubs, nil
	}
}
