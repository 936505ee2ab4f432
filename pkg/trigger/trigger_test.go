package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattyonweb/tbsm/pkg/contracts"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(d int) time.Time { return day0.Add(time.Duration(d) * Day) }

func TestRecurring_ThreeOccurrences(t *testing.T) {
	rule := contracts.Recurring{IntervalDays: 10, MaxOccurrences: 3}

	occ, ok, err := Next(rule, at(35), day0, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, at(10), occ.At)
	assert.Equal(t, 1, occ.Index)
	assert.True(t, occ.Due)

	prior := occ.At
	occ, ok, err = Next(rule, at(35), day0, &prior)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, at(20), occ.At)
	assert.Equal(t, 2, occ.Index)

	prior = occ.At
	occ, ok, err = Next(rule, at(35), day0, &prior)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, at(30), occ.At)
	assert.Equal(t, 3, occ.Index)

	prior = occ.At
	_, ok, err = Next(rule, at(35), day0, &prior)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecurring_StartAfterAndUntil(t *testing.T) {
	until := at(40)
	rule := contracts.Recurring{IntervalDays: 15, StartAfterDays: 5, Until: &until}

	occ, ok, err := Next(rule, day0, day0, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, at(20), occ.At)
	assert.False(t, occ.Due)

	prior := occ.At
	occ, ok, err = Next(rule, day0, day0, &prior)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, at(35), occ.At)

	prior = occ.At
	_, ok, err = Next(rule, day0, day0, &prior)
	require.NoError(t, err)
	assert.False(t, ok, "day 50 is after the end date")
}

func TestRecurring_PriorBeforeFirst(t *testing.T) {
	prior := at(3)
	_, _, err := Next(contracts.Recurring{IntervalDays: 10}, day0, day0, &prior)
	assert.Error(t, err)
}

func TestRelativeOffset_FiresOnce(t *testing.T) {
	rule := contracts.RelativeOffset{Days: 30}

	occ, ok, err := Next(rule, at(31), day0, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, at(30), occ.At)
	assert.True(t, occ.Due)

	prior := occ.At
	_, ok, err = Next(rule, at(31), day0, &prior)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAbsoluteDate(t *testing.T) {
	rule := contracts.AbsoluteDate{Date: at(12)}

	occ, ok, err := Next(rule, at(5), day0, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, at(12), occ.At)
	assert.False(t, occ.Due)

	prior := occ.At
	_, ok, err = Next(rule, at(5), day0, &prior)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = Next(rule, at(20), at(13), nil)
	assert.Error(t, err, "a date before activation can never fire")
}

func TestReferenceOnlySetsDue(t *testing.T) {
	rule := contracts.RelativeOffset{Days: 7}
	early, _, err := Next(rule, day0, day0, nil)
	require.NoError(t, err)
	late, _, err := Next(rule, at(100), day0, nil)
	require.NoError(t, err)

	assert.Equal(t, early.At, late.At)
	assert.False(t, early.Due)
	assert.True(t, late.Due)
}

func TestExhausted(t *testing.T) {
	rule := contracts.Recurring{IntervalDays: 10, MaxOccurrences: 2}
	done, err := Exhausted(rule, day0, nil)
	require.NoError(t, err)
	assert.False(t, done)

	last := at(20)
	done, err = Exhausted(rule, day0, &last)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = Exhausted(contracts.Recurring{IntervalDays: 1}, day0, &last)
	require.NoError(t, err)
	assert.False(t, done, "unbounded rules never exhaust")
}
