package stub

import (
	"context"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"tradeassist/gateway/internal/config"
	"tradeassist/gateway/internal/model"
	"tradeassist/gateway/pkg/logger"
)

// AlpacaExecutor places day limit orders through the Alpaca paper
// trading API.
type AlpacaExecutor struct {
	client *alpaca.Client
	log    *logger.Logger
}

// NewAlpacaExecutor creates an executor bound to the configured Alpaca
// account.
func NewAlpacaExecutor(cfg config.AlpacaConfig) *AlpacaExecutor {
	return &AlpacaExecutor{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		log: logger.Component("alpaca"),
	}
}

func (e *AlpacaExecutor) Execute(_ context.Context, p model.Proposal) (string, error) {
	// An unrecognized action must never fall through to a live order.
	if !model.ValidAction(p.Action) {
		return "", fmt.Errorf("unknown action %q for %s", p.Action, p.Symbol)
	}

	qty := decimal.NewFromInt(int64(p.Quantity))
	limit := decimal.NewFromFloat(p.Price).Round(2)

	side := alpaca.Buy
	if p.Action == model.ActionSell {
		side = alpaca.Sell
	}

	order, err := e.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:      p.Symbol,
		Qty:         &qty,
		Side:        side,
		Type:        alpaca.Limit,
		LimitPrice:  &limit,
		TimeInForce: alpaca.Day,
	})
	if err != nil {
		return "", fmt.Errorf("alpaca order for %s: %w", p.Symbol, err)
	}

	e.log.Infof("Alpaca order accepted: id=%s symbol=%s side=%s qty=%s limit=%s",
		order.ID, p.Symbol, side, qty.String(), limit.String())
	return order.ID, nil
}
