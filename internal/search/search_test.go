package search

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestReScoreBoostsMentionedTable(t *testing.T) {
	orders := uuid.New()
	customers := uuid.New()

	results := []Result{
		{TableID: customers, Name: "customers", Score: 0.80},
		{TableID: orders, Name: "orders", Score: 0.70},
	}

	// "orders" is mentioned verbatim, so its boosted score (0.875)
	// overtakes the unmentioned table.
	scored := ReScore(results, "how many orders were placed last week", 10)
	assert.Equal(t, orders, scored[0].TableID)
	assert.Equal(t, customers, scored[1].TableID)
}

func TestReScoreTokenBoundary(t *testing.T) {
	order := uuid.New()
	border := uuid.New()

	results := []Result{
		{TableID: border, Name: "order", Score: 0.50},
		{TableID: order, Name: "borders", Score: 0.50},
	}

	// "reorder" must not count as a mention of "order"; ties break on name.
	scored := ReScore(results, "reorder the results please", 10)
	assert.Equal(t, "borders", scored[0].Name)
	assert.InDelta(t, 0.50, scored[0].Score, 1e-6)
	assert.InDelta(t, 0.50, scored[1].Score, 1e-6)
}

func TestReScoreTruncatesToLimit(t *testing.T) {
	results := []Result{
		{TableID: uuid.New(), Name: "a", Score: 0.9},
		{TableID: uuid.New(), Name: "b", Score: 0.8},
		{TableID: uuid.New(), Name: "c", Score: 0.7},
	}
	scored := ReScore(results, "anything", 2)
	assert.Len(t, scored, 2)
	assert.Equal(t, "a", scored[0].Name)
}

func TestReScoreDoesNotMutateInput(t *testing.T) {
	results := []Result{
		{TableID: uuid.New(), Name: "orders", Score: 0.5},
	}
	_ = ReScore(results, "orders by month", 10)
	assert.InDelta(t, 0.5, results[0].Score, 1e-6)
}

func TestContainsToken(t *testing.T) {
	tests := []struct {
		text string
		name string
		want bool
	}{
		{"show me the orders table", "orders", true},
		{"show me reorders", "orders", false},
		{"orders by month", "orders", true},
		{"total for daily_sales today", "daily_sales", true},
		{"total for daily_sales_v2 today", "daily_sales", false},
		{"nothing relevant", "orders", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, containsToken(tt.text, tt.name), "text=%q name=%q", tt.text, tt.name)
	}
}
