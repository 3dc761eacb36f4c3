// Package fx converts document prices into the settlement currency at the
// moment a document is fixed. Settlement itself never converts.
package fx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrUnknownCurrency = errors.New("unknown currency")

type RateSource interface {
	// Rate returns how many units of to buy one unit of from.
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
	Base() string
}

// StaticRates quotes every currency against one base currency from a fixed
// table loaded at startup.
type StaticRates struct {
	base  string
	rates map[string]decimal.Decimal
}

func NewStaticRates(base string, rates map[string]decimal.Decimal) *StaticRates {
	normalized := make(map[string]decimal.Decimal, len(rates)+1)
	for code, rate := range rates {
		normalized[normalizeCode(code)] = rate
	}
	base = normalizeCode(base)
	normalized[base] = decimal.NewFromInt(1)
	return &StaticRates{base: base, rates: normalized}
}

func (s *StaticRates) Base() string {
	return s.base
}

func (s *StaticRates) Rate(_ context.Context, from, to string) (decimal.Decimal, error) {
	from = normalizeCode(from)
	to = normalizeCode(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	fromRate, ok := s.rates[from]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, from)
	}
	toRate, ok := s.rates[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, to)
	}
	return fromRate.DivRound(toRate, 8), nil
}

// ParseRates reads "USD=3.75,EUR=4.10" where each value is the price of one
// unit of that currency in the base currency.
func ParseRates(raw string) (map[string]decimal.Decimal, error) {
	rates := map[string]decimal.Decimal{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		code, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid rate entry %q", pair)
		}
		code = normalizeCode(code)
		if len(code) != 3 {
			return nil, fmt.Errorf("invalid currency code %q", code)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid rate for %s: %w", code, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate for %s must be positive", code)
		}
		rates[code] = rate
	}
	return rates, nil
}

func Convert(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Round(2)
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
