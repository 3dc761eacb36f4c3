package fx

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRates(t *testing.T) {
	rates, err := ParseRates(" usd=3.75, EUR=4.10 ,")
	require.NoError(t, err)
	assert.True(t, rates["USD"].Equal(decimal.RequireFromString("3.75")))
	assert.True(t, rates["EUR"].Equal(decimal.RequireFromString("4.10")))

	_, err = ParseRates("USD")
	assert.Error(t, err)
	_, err = ParseRates("USD=-1")
	assert.Error(t, err)
	_, err = ParseRates("DOLLAR=1")
	assert.Error(t, err)
}

func TestStaticRates(t *testing.T) {
	source := NewStaticRates("sar", map[string]decimal.Decimal{
		"USD": decimal.RequireFromString("3.75"),
		"EUR": decimal.RequireFromString("4.10"),
	})
	ctx := context.Background()

	assert.Equal(t, "SAR", source.Base())

	rate, err := source.Rate(ctx, "USD", "SAR")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("3.75")))

	rate, err = source.Rate(ctx, "SAR", "SAR")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(1)))

	rate, err = source.Rate(ctx, "EUR", "USD")
	require.NoError(t, err)
	assert.Equal(t, "1.09333333", rate.String())

	_, err = source.Rate(ctx, "JPY", "SAR")
	assert.ErrorIs(t, err, ErrUnknownCurrency)

	assert.Equal(t, "37.50", Convert(decimal.NewFromInt(10), decimal.RequireFromString("3.75")).StringFixed(2))
}
