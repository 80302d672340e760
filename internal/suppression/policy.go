// Package suppression decides whether a matching rule must be held back by its
// time or frequency constraints.
package suppression

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"fieldflow/internal/models"
)

// Decision is the result of a suppression check. Reason is empty unless Suppressed.
// Warnings names constraints that could not be applied and were skipped.
type Decision struct {
	Suppressed bool
	Reason     string
	Warnings   []string
}

func suppressed(format string, args ...any) Decision {
	return Decision{Suppressed: true, Reason: fmt.Sprintf(format, args...)}
}

// Check applies cooldown, max fires, quiet hours and business days, in that order.
// The first matching constraint wins. loc is used when the constraints carry no
// timezone of their own; nil means UTC.
func Check(c models.RuleConstraints, history models.FireHistory, now time.Time, loc *time.Location) Decision {
	if c.CooldownMinutes > 0 && history.LastFiredAt != nil {
		window := time.Duration(c.CooldownMinutes) * time.Minute
		if now.Sub(*history.LastFiredAt) < window {
			return suppressed("cooldown: last fired %s, cooldown %dm", history.LastFiredAt.UTC().Format(time.RFC3339), c.CooldownMinutes)
		}
	}
	if c.MaxFiresPerEntity > 0 && history.FireCount >= c.MaxFiresPerEntity {
		return suppressed("max fires reached: %d/%d", history.FireCount, c.MaxFiresPerEntity)
	}

	var warnings []string
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			warnings = append(warnings, fmt.Sprintf("timezone ignored: %v", err))
		}
	}
	local := now.In(Location(c.Timezone, loc))
	if qh := c.QuietHours; qh != nil {
		in, err := InQuietHours(*qh, local)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("quiet hours ignored: %v", err))
		} else if in {
			return suppressed("quiet hours: %s-%s", qh.Start, qh.End)
		}
	}
	if c.BusinessDaysOnly {
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			d := suppressed("business days only: %s", wd)
			d.Warnings = warnings
			return d
		}
	}
	return Decision{Warnings: warnings}
}

// NeedsHistory reports whether Check reads the fire history for c.
func NeedsHistory(c models.RuleConstraints) bool {
	return c.CooldownMinutes > 0 || c.MaxFiresPerEntity > 0
}

// Location resolves a rule timezone, falling back to def and then UTC.
func Location(name string, def *time.Location) *time.Location {
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	if def != nil {
		return def
	}
	return time.UTC
}

// InQuietHours reports whether local falls inside the window, bounds inclusive.
// A window whose start is after its end wraps midnight.
func InQuietHours(qh models.QuietHours, local time.Time) (bool, error) {
	start, err := ParseClock(qh.Start)
	if err != nil {
		return false, err
	}
	end, err := ParseClock(qh.End)
	if err != nil {
		return false, err
	}
	now := local.Hour()*60 + local.Minute()
	if start > end {
		return now >= start || now <= end, nil
	}
	return now >= start && now <= end, nil
}

// ParseClock parses HH:mm into minutes after midnight.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("parse clock %q: want HH:mm", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("parse clock %q: bad hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || len(mm) != 2 {
		return 0, fmt.Errorf("parse clock %q: bad minute", s)
	}
	return h*60 + m, nil
}
