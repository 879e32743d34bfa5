package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/toikake/internal/model"
)

func TestValidateQueryRequest_HappyPath(t *testing.T) {
	req := model.QueryRequest{
		Query: "how many orders were placed last month?",
		History: []model.HistoryTurn{
			{Role: "user", Content: "show me sales"},
			{Role: "assistant", Content: "here are the sales"},
		},
	}
	require.NoError(t, model.ValidateQueryRequest(req))
}

func TestValidateQueryRequest_EmptyQuery(t *testing.T) {
	err := model.ValidateQueryRequest(model.QueryRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required")
}

func TestValidateQueryRequest_QueryTooLong(t *testing.T) {
	err := model.ValidateQueryRequest(model.QueryRequest{
		Query: strings.Repeat("x", model.MaxQueryLen+1),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum length")
}

func TestValidateQueryRequest_InvalidUTF8(t *testing.T) {
	err := model.ValidateQueryRequest(model.QueryRequest{
		Query: "hello \xff\xfe world",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UTF-8")
}

func TestValidateQueryRequest_TooManyHistoryTurns(t *testing.T) {
	history := make([]model.HistoryTurn, model.MaxHistoryTurns+1)
	for i := range history {
		history[i] = model.HistoryTurn{Role: "user", Content: "q"}
	}
	err := model.ValidateQueryRequest(model.QueryRequest{Query: "q", History: history})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history")
}

func TestValidateQueryRequest_HistoryTurnTooLong(t *testing.T) {
	err := model.ValidateQueryRequest(model.QueryRequest{
		Query: "q",
		History: []model.HistoryTurn{
			{Role: "user", Content: strings.Repeat("x", model.MaxHistoryTurnLen+1)},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history[0]")
}

func TestQueryOptionsNormalize(t *testing.T) {
	tests := []struct {
		name        string
		in          model.QueryOptions
		wantRows    int
		wantTimeout int
	}{
		{"zero values get defaults", model.QueryOptions{}, model.DefaultMaxResults, model.DefaultTimeoutSecs},
		{"negative rows get default", model.QueryOptions{MaxResults: -5}, model.DefaultMaxResults, model.DefaultTimeoutSecs},
		{"in-range values pass through", model.QueryOptions{MaxResults: 42, TimeoutSeconds: 30}, 42, 30},
		{"rows clamp to ceiling", model.QueryOptions{MaxResults: 99999}, model.MaxResultsCeiling, model.DefaultTimeoutSecs},
		{"timeout clamps to ceiling", model.QueryOptions{TimeoutSeconds: 600}, model.DefaultMaxResults, model.MaxTimeoutSecs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize()
			assert.Equal(t, tt.wantRows, got.MaxResults)
			assert.Equal(t, tt.wantTimeout, got.TimeoutSeconds)
		})
	}
}

func TestStageError(t *testing.T) {
	inner := assert.AnError
	err := model.NewStageError(model.StageGenerate, "llm unavailable", inner)
	assert.Contains(t, err.Error(), "generate")
	assert.Contains(t, err.Error(), "llm unavailable")
	assert.ErrorIs(t, err, inner)

	bare := model.NewStageError(model.StageGuardrail, "blocked", nil)
	assert.Equal(t, "guardrail: blocked", bare.Error())
}
