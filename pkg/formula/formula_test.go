package formula

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRate_StepUpCoupon(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	ctx := context.Background()
	principal := decimal.NewFromInt(1000)
	for occ, want := range map[int]string{1: "3", 2: "4", 5: "7"} {
		rate, err := e.Rate(ctx, "2.0 + double(occurrence)", principal, occ)
		require.NoError(t, err)
		assert.True(t, rate.Equal(decimal.RequireFromString(want)), "occurrence %d: got %s", occ, rate)
	}
}

func TestRate_UsesPrincipal(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	rate, err := e.Rate(context.Background(), "principal > 500.0 ? 4.5 : 6.0", decimal.NewFromInt(1000), 1)
	require.NoError(t, err)
	assert.Equal(t, "4.5", rate.String())

	rate, err = e.Rate(context.Background(), "occurrence * 2", decimal.Zero, 3)
	require.NoError(t, err)
	assert.Equal(t, "6", rate.String())
}

func TestCheck_RejectsBadFormulas(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	assert.NoError(t, e.Check("1.5"))
	assert.Error(t, e.Check("principal +"), "syntax error")
	assert.Error(t, e.Check("unknown_var * 2.0"), "undeclared variable")
	assert.Error(t, e.Check(`"five"`), "non-numeric result")
}

func TestRate_RejectsNegative(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	_, err = e.Rate(context.Background(), "1.0 - double(occurrence) * 2.0", decimal.NewFromInt(10), 1)
	assert.Error(t, err)
}

func TestProgramCache(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	require.NoError(t, e.Check("3.0"))
	require.NoError(t, e.Check("3.0"))
	assert.Len(t, e.programs, 1)
}
