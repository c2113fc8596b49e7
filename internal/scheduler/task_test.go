package scheduler

import (
	"testing"
	"time"

	kagoerrors "github.com/harunnryd/kago/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRunCron(t *testing.T) {
	from := time.Date(2025, 1, 1, 23, 0, 0, 0, time.UTC)
	next, err := NextRun(KindCron, "0 0 * * *", from, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), *next)
}

func TestNextRunCronInLocation(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*3600)
	from := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextRun(KindCron, "0 9 * * *", from, jakarta)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 2, 2, 0, 0, 0, time.UTC), *next)
	assert.Equal(t, time.UTC, next.Location())
}

func TestNextRunInterval(t *testing.T) {
	from := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	next, err := NextRun(KindInterval, "3600000", from, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, from.Add(time.Hour), *next)
}

func TestNextRunOnce(t *testing.T) {
	next, err := NextRun(KindOnce, "2025-03-01T08:30:00+07:00", time.Now(), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 1, 30, 0, 0, time.UTC), *next)
}

func TestNextRunInvalid(t *testing.T) {
	from := time.Now()
	cases := []struct {
		kind  ScheduleKind
		value string
	}{
		{KindCron, "61 * * * *"},
		{KindCron, "every day"},
		{KindInterval, "0"},
		{KindInterval, "-5"},
		{KindInterval, "1h"},
		{KindOnce, "tomorrow"},
		{ScheduleKind("weekly"), "1"},
	}
	for _, tc := range cases {
		_, err := NextRun(tc.kind, tc.value, from, time.UTC)
		assert.ErrorIs(t, err, kagoerrors.ErrScheduleInvalid, "%s %q", tc.kind, tc.value)
	}
}

func TestAdvance(t *testing.T) {
	now := time.Date(2025, 1, 1, 23, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	once := Task{ScheduleKind: KindOnce, ScheduleValue: past.Format(time.RFC3339), Status: StatusActive, NextRun: &past}
	require.NoError(t, advance(&once, now, time.UTC))
	assert.Equal(t, StatusPaused, once.Status)
	assert.Nil(t, once.NextRun)
	assert.False(t, once.IsDue(now.Add(24*time.Hour)))

	daily := Task{ScheduleKind: KindCron, ScheduleValue: "0 0 * * *", Status: StatusActive, NextRun: &past}
	require.NoError(t, advance(&daily, now, time.UTC))
	assert.Equal(t, StatusActive, daily.Status)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), *daily.NextRun)

	broken := Task{ScheduleKind: KindCron, ScheduleValue: "nope", Status: StatusActive, NextRun: &past}
	assert.Error(t, advance(&broken, now, time.UTC))
	assert.Nil(t, broken.NextRun)
	assert.Equal(t, StatusActive, broken.Status)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Cron ")
	require.NoError(t, err)
	assert.Equal(t, KindCron, k)

	_, err = ParseKind("hourly")
	assert.ErrorIs(t, err, kagoerrors.ErrScheduleInvalid)
}
