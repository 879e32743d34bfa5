package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/toikake/internal/model"
)

// pieCategoryCeiling is the most slices a pie chart may have. Above it
// even an explicit pie request degrades to a bar chart.
const pieCategoryCeiling = 8

var chartIntentCues = []string{
	"chart", "graph", "plot", "visual", "pie", "bar", "line",
	"histogram", "scatter", "trend", "distribution", "compare",
	"over time",
}

// MaybeChart derives a chart from an execution result, or nil when no
// heuristic fits. The query must show visualization intent unless the
// caller explicitly asked for charts. It never invents data: every
// plotted point is a (label, value) pair taken verbatim from the rows.
// A result with zero rows never produces a chart, whatever the query
// asked for.
func MaybeChart(query string, result *model.ExecutionResult, explicit bool) *model.ChartSpec {
	if result == nil || result.RowCount == 0 {
		return nil
	}
	if !explicit && !hasChartIntent(query) {
		return nil
	}
	// A single scalar cell has nothing to plot.
	if len(result.Columns) == 1 && result.RowCount == 1 {
		return nil
	}
	if len(result.Columns) != 2 {
		return nil
	}

	labelIdx, valueIdx, ok := axisMapping(result)
	if !ok {
		return nil
	}

	series := buildSeries(result, labelIdx, valueIdx)
	if len(series) == 0 {
		return nil
	}

	spec := &model.ChartSpec{
		XField: result.Columns[labelIdx],
		YField: result.Columns[valueIdx],
		Series: series,
		Title:  fmt.Sprintf("%s by %s", result.Columns[valueIdx], result.Columns[labelIdx]),
	}

	switch {
	case columnIsTimeLike(result, labelIdx):
		spec.Kind = model.ChartLine
	case wantsPie(query) && distinctLabels(series) <= pieCategoryCeiling:
		spec.Kind = model.ChartPie
	default:
		spec.Kind = model.ChartBar
	}
	return spec
}

func hasChartIntent(query string) bool {
	q := strings.ToLower(query)
	for _, cue := range chartIntentCues {
		if strings.Contains(q, cue) {
			return true
		}
	}
	return false
}

func wantsPie(query string) bool {
	return strings.Contains(strings.ToLower(query), "pie")
}

// axisMapping finds the categorical (label) and numeric (value) columns
// of a two-column result by inspecting the first rows. Two numeric
// columns map first→label, second→value; two non-numeric columns have
// no plottable value and report no fit.
func axisMapping(result *model.ExecutionResult) (labelIdx, valueIdx int, ok bool) {
	n0 := columnIsNumeric(result, 0)
	n1 := columnIsNumeric(result, 1)
	switch {
	case n1 && !n0:
		return 0, 1, true
	case n0 && !n1:
		return 1, 0, true
	case n0 && n1:
		return 0, 1, true
	default:
		return 0, 0, false
	}
}

func columnIsNumeric(result *model.ExecutionResult, idx int) bool {
	sampled := 0
	for _, row := range result.Rows {
		if idx >= len(row) || row[idx] == nil {
			continue
		}
		if _, ok := toFloat(row[idx]); !ok {
			return false
		}
		sampled++
		if sampled >= 10 {
			break
		}
	}
	return sampled > 0
}

func columnIsTimeLike(result *model.ExecutionResult, idx int) bool {
	name := strings.ToLower(result.Columns[idx])
	for _, cue := range []string{"date", "time", "day", "month", "year", "week", "period"} {
		if strings.Contains(name, cue) {
			return true
		}
	}
	for _, row := range result.Rows {
		if idx >= len(row) || row[idx] == nil {
			continue
		}
		switch v := row[idx].(type) {
		case time.Time:
			return true
		case string:
			if _, err := time.Parse("2006-01-02", v); err == nil {
				return true
			}
			if _, err := time.Parse(time.RFC3339, v); err == nil {
				return true
			}
			return false
		default:
			return false
		}
	}
	return false
}

// buildSeries converts rows to plotted points, skipping rows whose
// value cell is not numeric.
func buildSeries(result *model.ExecutionResult, labelIdx, valueIdx int) []model.ChartPoint {
	series := make([]model.ChartPoint, 0, len(result.Rows))
	for _, row := range result.Rows {
		if valueIdx >= len(row) || labelIdx >= len(row) {
			continue
		}
		value, ok := toFloat(row[valueIdx])
		if !ok {
			continue
		}
		series = append(series, model.ChartPoint{
			Label: formatLabel(row[labelIdx]),
			Value: value,
		})
	}
	return series
}

func distinctLabels(series []model.ChartPoint) int {
	seen := make(map[string]struct{}, len(series))
	for _, p := range series {
		seen[p.Label] = struct{}{}
	}
	return len(seen)
}

func formatLabel(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.Format("2006-01-02")
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
