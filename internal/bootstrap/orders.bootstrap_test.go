package bootstrap

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/krobus00/pair-rebalancer/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteOrdersTable(t *testing.T) {
	var out bytes.Buffer
	err := writeOrdersTable(&out, []entity.Order{{
		ID:         7,
		Ticker:     "KRW-BTC",
		Side:       entity.OrderSideBuy,
		ExternalID: null.StringFrom("9a3c2f1e-0000-4000-8000-000000000001"),
		Price:      decimal.NewFromInt(950_000),
		Amount:     decimal.RequireFromString("0.2"),
		Status:     entity.OrderStatusWait,
		CreatedAt:  time.Now(),
	}})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "KRW-BTC")
	assert.Contains(t, lines[1], "0.20000000")
	assert.Contains(t, lines[1], "950000")
	assert.Contains(t, lines[1], "wait")
}
