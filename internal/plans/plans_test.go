package plans

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	p, err := Resolve("month_30gb")
	require.NoError(t, err)
	assert.Equal(t, int64(30*GB), p.DataLimitBytes)
	assert.Equal(t, 30, p.DurationDays)

	_, err = Resolve("no_such_plan")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestListHidesTestPlan(t *testing.T) {
	for _, p := range List(false) {
		assert.NotEqual(t, TestPlanID, p.ID)
	}
	found := false
	for _, p := range List(true) {
		if p.ID == TestPlanID {
			found = true
		}
	}
	assert.True(t, found, "test plan must be visible with includeHidden")
}

func TestExpiryDateExact(t *testing.T) {
	from := time.Date(2025, 3, 10, 12, 30, 0, 0, time.UTC)
	for _, p := range List(true) {
		got := ExpiryDate(p, from)
		assert.Equal(t, from.AddDate(0, 0, p.DurationDays), got, p.ID)
	}
}
