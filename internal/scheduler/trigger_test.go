package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTriggerIntervals(t *testing.T) {
	tests := []struct {
		expr string
		want time.Duration
	}{
		{expr: "10s", want: 10 * time.Second},
		{expr: "30m", want: 30 * time.Minute},
		{expr: "1h30m", want: 90 * time.Minute},
		{expr: "10sec", want: 10 * time.Second},
		{expr: "5min", want: 5 * time.Minute},
		{expr: "1hour", want: time.Hour},
		{expr: "2 days", want: 48 * time.Hour},
		{expr: " 15 Seconds ", want: 15 * time.Second},
		{expr: "250ms", want: 250 * time.Millisecond},
	}

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			trig, err := ParseTrigger(tt.expr)
			require.NoError(t, err)
			assert.True(t, trig.Periodic())
			assert.Equal(t, now.Add(tt.want), trig.Next(now))
		})
	}
}

func TestParseTriggerCron(t *testing.T) {
	trig, err := ParseTrigger("*/15 * * * *")
	require.NoError(t, err)
	assert.False(t, trig.Periodic())

	now := time.Date(2024, 1, 1, 12, 7, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 15, 0, 0, time.UTC), trig.Next(now))
	assert.Contains(t, trig.String(), "*/15")
}

func TestParseTriggerDescriptor(t *testing.T) {
	trig, err := ParseTrigger("@hourly")
	require.NoError(t, err)

	now := time.Date(2024, 1, 1, 12, 7, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC), trig.Next(now))
}

func TestParseTriggerInvalid(t *testing.T) {
	for _, expr := range []string{"", "   ", "soon", "0s", "-5s", "0min", "5 fortnights", "* * *"} {
		t.Run(expr, func(t *testing.T) {
			_, err := ParseTrigger(expr)
			assert.ErrorIs(t, err, ErrInvalidExpression)
		})
	}
}
