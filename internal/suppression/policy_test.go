package suppression

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldflow/internal/models"
)

// Wednesday.
var midweek = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 4, hour, minute, 0, 0, time.UTC)
}

func TestCooldown(t *testing.T) {
	c := models.RuleConstraints{CooldownMinutes: 60}
	last := midweek.Add(-30 * time.Minute)

	d := Check(c, models.FireHistory{LastFiredAt: &last, FireCount: 1}, midweek, nil)
	require.True(t, d.Suppressed)
	assert.Equal(t, "cooldown: last fired 2026-03-04T11:30:00Z, cooldown 60m", d.Reason)

	last = midweek.Add(-61 * time.Minute)
	assert.False(t, Check(c, models.FireHistory{LastFiredAt: &last, FireCount: 1}, midweek, nil).Suppressed)
	assert.False(t, Check(c, models.FireHistory{}, midweek, nil).Suppressed)
}

func TestMaxFires(t *testing.T) {
	c := models.RuleConstraints{MaxFiresPerEntity: 1}
	last := midweek.Add(-48 * time.Hour)

	d := Check(c, models.FireHistory{LastFiredAt: &last, FireCount: 1}, midweek, nil)
	require.True(t, d.Suppressed)
	assert.Equal(t, "max fires reached: 1/1", d.Reason)
	assert.False(t, Check(c, models.FireHistory{}, midweek, nil).Suppressed)
}

func TestQuietHoursWrappingMidnight(t *testing.T) {
	c := models.RuleConstraints{QuietHours: &models.QuietHours{Start: "22:00", End: "06:00"}}
	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"late evening", at(23, 30), true},
		{"early morning", at(2, 0), true},
		{"noon", at(12, 0), false},
		{"start bound", at(22, 0), true},
		{"end bound", at(6, 0), true},
		{"after end", at(6, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Check(c, models.FireHistory{}, tt.now, nil)
			assert.Equal(t, tt.want, d.Suppressed)
			if tt.want {
				assert.Equal(t, "quiet hours: 22:00-06:00", d.Reason)
			}
		})
	}
}

func TestQuietHoursSameDay(t *testing.T) {
	c := models.RuleConstraints{QuietHours: &models.QuietHours{Start: "12:00", End: "13:00"}}
	assert.True(t, Check(c, models.FireHistory{}, at(12, 30), nil).Suppressed)
	assert.False(t, Check(c, models.FireHistory{}, at(13, 1), nil).Suppressed)
}

func TestQuietHoursUsesRuleTimezone(t *testing.T) {
	c := models.RuleConstraints{
		QuietHours: &models.QuietHours{Start: "22:00", End: "06:00"},
		Timezone:   "America/New_York",
	}
	// 03:00 UTC is 22:00 in New York during standard time.
	now := time.Date(2026, 1, 14, 3, 0, 0, 0, time.UTC)
	assert.True(t, Check(c, models.FireHistory{}, now, nil).Suppressed)

	c.Timezone = ""
	assert.False(t, Check(c, models.FireHistory{}, now.Add(4*time.Hour), nil).Suppressed)
}

func TestBusinessDaysOnly(t *testing.T) {
	c := models.RuleConstraints{BusinessDaysOnly: true}
	saturday := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)

	d := Check(c, models.FireHistory{}, saturday, nil)
	require.True(t, d.Suppressed)
	assert.Equal(t, "business days only: Saturday", d.Reason)
	assert.True(t, Check(c, models.FireHistory{}, saturday.Add(24*time.Hour), nil).Suppressed)
	assert.False(t, Check(c, models.FireHistory{}, midweek, nil).Suppressed)
}

func TestFirstReasonWins(t *testing.T) {
	last := midweek.Add(-5 * time.Minute)
	c := models.RuleConstraints{
		CooldownMinutes:   60,
		MaxFiresPerEntity: 1,
		QuietHours:        &models.QuietHours{Start: "00:00", End: "23:59"},
		BusinessDaysOnly:  true,
	}
	d := Check(c, models.FireHistory{LastFiredAt: &last, FireCount: 3}, midweek, nil)
	assert.Contains(t, d.Reason, "cooldown:")
}

func TestUnparsableConstraintsWarn(t *testing.T) {
	c := models.RuleConstraints{QuietHours: &models.QuietHours{Start: "9pm", End: "07:00"}, Timezone: "Mars/Olympus"}
	d := Check(c, models.FireHistory{}, midweek, nil)
	assert.False(t, d.Suppressed)
	require.Len(t, d.Warnings, 2)
	assert.Contains(t, d.Warnings[0], "timezone ignored")
	assert.Contains(t, d.Warnings[1], "quiet hours ignored")
	assert.Contains(t, d.Warnings[1], `"9pm"`)

	c = models.RuleConstraints{QuietHours: &models.QuietHours{Start: "22:00", End: "06:00"}}
	assert.Empty(t, Check(c, models.FireHistory{}, midweek, nil).Warnings)
}

func TestParseClock(t *testing.T) {
	m, err := ParseClock("06:30")
	require.NoError(t, err)
	assert.Equal(t, 390, m)

	for _, bad := range []string{"", "6", "24:00", "12:60", "ab:cd", "12:5"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}
