// Package pricing maintains the in-process price catalog mapping
// (provider, model) to per-million-token rates and computes call costs
// with decimal arithmetic. The catalog is read-mostly: lookups take a
// read lock, runtime overrides go through Upsert.
package pricing

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrPricingUnknown is returned when no price exists for a
// (provider, model) pair. Callers decide whether to record a zero-cost
// row or propagate.
var ErrPricingUnknown = errors.New("pricing: unknown provider/model")

// tokensPerUnit converts per-million-token rates to per-token costs.
var tokensPerUnit = decimal.NewFromInt(1_000_000)

// Price holds per-million-token rates for one model.
type Price struct {
	// InputPerMTok is the cost of one million prompt tokens.
	InputPerMTok decimal.Decimal
	// OutputPerMTok is the cost of one million completion tokens.
	OutputPerMTok decimal.Decimal
	// Currency is an ISO code, USD unless stated otherwise.
	Currency string
}

// Cost is the decomposed cost of one LLM call.
type Cost struct {
	Prompt     decimal.Decimal
	Completion decimal.Decimal
	Total      decimal.Decimal
	Currency   string
}

// Catalog maps (provider, model) to prices. Safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	prices map[string]Price
}

// key normalises the lookup: provider and model are case-insensitive.
func key(provider, model string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(model)
}

// NewCatalog returns a catalog seeded with the built-in price table.
func NewCatalog() *Catalog {
	c := &Catalog{prices: make(map[string]Price, len(builtin))}
	for k, p := range builtin {
		c.prices[k] = p
	}
	return c
}

// Lookup returns the price for (provider, model).
func (c *Catalog) Lookup(provider, model string) (Price, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[key(provider, model)]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s/%s", ErrPricingUnknown, provider, model)
	}
	return p, nil
}

// Cost computes the prompt, completion and total cost for the given token
// counts. Pure: no side effects, exact decimal arithmetic.
func (c *Catalog) Cost(provider, model string, promptTokens, completionTokens int) (Cost, error) {
	p, err := c.Lookup(provider, model)
	if err != nil {
		return Cost{}, err
	}

	prompt := p.InputPerMTok.Mul(decimal.NewFromInt(int64(promptTokens))).Div(tokensPerUnit)
	completion := p.OutputPerMTok.Mul(decimal.NewFromInt(int64(completionTokens))).Div(tokensPerUnit)

	return Cost{
		Prompt:     prompt,
		Completion: completion,
		Total:      prompt.Add(completion),
		Currency:   p.Currency,
	}, nil
}

// Upsert installs or replaces the price for (provider, model). Overrides
// live for the process lifetime unless also written to the overrides file.
func (c *Catalog) Upsert(provider, model string, price Price) {
	if price.Currency == "" {
		price.Currency = "USD"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[key(provider, model)] = price
}

// Models returns the number of priced (provider, model) pairs.
func (c *Catalog) Models() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}

func usd(input, output string) Price {
	return Price{
		InputPerMTok:  decimal.RequireFromString(input),
		OutputPerMTok: decimal.RequireFromString(output),
		Currency:      "USD",
	}
}

// builtin is the seed price table. Rates are USD per million tokens.
// Azure deployments are commonly named after the underlying model, so the
// azure entries mirror the openai ones.
var builtin = map[string]Price{
	key("openai", "gpt-4o"):            usd("2.50", "10.00"),
	key("openai", "gpt-4o-mini"):       usd("0.15", "0.60"),
	key("openai", "gpt-4-turbo"):       usd("10.00", "30.00"),
	key("openai", "gpt-3.5-turbo"):     usd("0.50", "1.50"),
	key("azure", "gpt-4o"):             usd("2.50", "10.00"),
	key("azure", "gpt-4o-mini"):        usd("0.15", "0.60"),
	key("azure", "gpt-4-turbo"):        usd("10.00", "30.00"),
	key("azure", "gpt-35-turbo"):       usd("0.50", "1.50"),
	key("deepseek", "deepseek-chat"):   usd("0.27", "1.10"),
	key("deepseek", "deepseek-coder"):  usd("0.27", "1.10"),
	key("deepseek", "deepseek-reasoner"): usd("0.55", "2.19"),
}
