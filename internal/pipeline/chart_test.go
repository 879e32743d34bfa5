package pipeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/toikake/internal/model"
)

func categoricalResult(n int) *model.ExecutionResult {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{fmt.Sprintf("category_%d", i), int64(i + 1)}
	}
	return &model.ExecutionResult{
		Columns:  []string{"account_type", "count"},
		Rows:     rows,
		RowCount: n,
	}
}

func TestMaybeChartZeroRowsAlwaysNone(t *testing.T) {
	empty := &model.ExecutionResult{Columns: []string{"type", "count"}, Rows: nil, RowCount: 0}
	assert.Nil(t, MaybeChart("create a pie chart of account types", empty, false))
	assert.Nil(t, MaybeChart("create a pie chart of account types", empty, true))
	assert.Nil(t, MaybeChart("anything", nil, true))
}

func TestMaybeChartRequiresIntentOrExplicitFlag(t *testing.T) {
	result := categoricalResult(4)
	assert.Nil(t, MaybeChart("how many accounts per type", result, false))
	assert.NotNil(t, MaybeChart("how many accounts per type", result, true))
	assert.NotNil(t, MaybeChart("show a chart of accounts per type", result, false))
}

func TestMaybeChartPieWithinCeiling(t *testing.T) {
	spec := MaybeChart("create a pie chart of account types", categoricalResult(4), false)
	require.NotNil(t, spec)
	assert.Equal(t, model.ChartPie, spec.Kind)
	assert.Equal(t, "account_type", spec.XField)
	assert.Equal(t, "count", spec.YField)
	assert.Len(t, spec.Series, 4)
}

func TestMaybeChartPieDegradesToBarAboveCeiling(t *testing.T) {
	spec := MaybeChart("create a pie chart of account types", categoricalResult(20), false)
	require.NotNil(t, spec)
	assert.Equal(t, model.ChartBar, spec.Kind)
}

func TestMaybeChartScatterIntentMapsToBar(t *testing.T) {
	// "scatter" counts as chart intent, but the two-column heuristics
	// only ever produce bar, line, or pie.
	spec := MaybeChart("scatter plot of accounts per type", categoricalResult(4), false)
	require.NotNil(t, spec)
	assert.Equal(t, model.ChartBar, spec.Kind)
}

func TestMaybeChartBarForCategoricalNumeric(t *testing.T) {
	spec := MaybeChart("chart revenue by region", &model.ExecutionResult{
		Columns:  []string{"region", "revenue"},
		Rows:     [][]any{{"north", 10.5}, {"south", 8.25}},
		RowCount: 2,
	}, false)
	require.NotNil(t, spec)
	assert.Equal(t, model.ChartBar, spec.Kind)
	assert.Equal(t, []model.ChartPoint{
		{Label: "north", Value: 10.5},
		{Label: "south", Value: 8.25},
	}, spec.Series)
}

func TestMaybeChartLineForTimeLike(t *testing.T) {
	spec := MaybeChart("plot signups over time", &model.ExecutionResult{
		Columns: []string{"signup_date", "signups"},
		Rows: [][]any{
			{time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), int64(3)},
			{time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC), int64(7)},
		},
		RowCount: 2,
	}, false)
	require.NotNil(t, spec)
	assert.Equal(t, model.ChartLine, spec.Kind)
	assert.Equal(t, "2026-08-01", spec.Series[0].Label)
}

func TestMaybeChartDegradesToNone(t *testing.T) {
	// Single scalar cell.
	assert.Nil(t, MaybeChart("chart the total", &model.ExecutionResult{
		Columns: []string{"total"}, Rows: [][]any{{int64(42)}}, RowCount: 1,
	}, false))

	// More than two columns with no clear axis mapping.
	assert.Nil(t, MaybeChart("chart everything", &model.ExecutionResult{
		Columns:  []string{"a", "b", "c"},
		Rows:     [][]any{{"x", int64(1), int64(2)}},
		RowCount: 1,
	}, false))

	// Two non-numeric columns have no plottable value.
	assert.Nil(t, MaybeChart("chart names", &model.ExecutionResult{
		Columns:  []string{"first", "last"},
		Rows:     [][]any{{"ada", "lovelace"}},
		RowCount: 1,
	}, false))
}

func TestColumnIsTimeLike(t *testing.T) {
	byName := &model.ExecutionResult{
		Columns:  []string{"month", "total"},
		Rows:     [][]any{{"January", int64(1)}},
		RowCount: 1,
	}
	assert.True(t, columnIsTimeLike(byName, 0))

	byValue := &model.ExecutionResult{
		Columns:  []string{"bucket", "total"},
		Rows:     [][]any{{"2026-08-01", int64(1)}},
		RowCount: 1,
	}
	assert.True(t, columnIsTimeLike(byValue, 0))

	plain := &model.ExecutionResult{
		Columns:  []string{"region", "total"},
		Rows:     [][]any{{"north", int64(1)}},
		RowCount: 1,
	}
	assert.False(t, columnIsTimeLike(plain, 0))
}
