// Package period maps timestamps to calendar-aligned billing periods and their keys.
//
// Keys: daily "2006-01-02", weekly ISO "2006-W01", monthly "2006-01", yearly "2006".
// A period covers [Start, End); End is the first instant of the next period.
package period

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/usagegate/internal/apperr"
)

type BillingCycle string

const (
	Daily   BillingCycle = "daily"
	Weekly  BillingCycle = "weekly"
	Monthly BillingCycle = "monthly"
	Yearly  BillingCycle = "yearly"
)

func (c BillingCycle) Valid() bool {
	switch c {
	case Daily, Weekly, Monthly, Yearly:
		return true
	}
	return false
}

var ErrInvalidPeriodKey = apperr.Validation("billing_period", "invalid_billing_period", "billing period must be YYYY, YYYY-MM, YYYY-Www or YYYY-MM-DD")

type Period struct {
	Cycle BillingCycle `json:"cycle"`
	Key   string       `json:"key"`
	Start time.Time    `json:"start"`
	End   time.Time    `json:"end"`
}

// Contains reports whether t falls inside the half-open period.
func (p Period) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(p.Start) && t.Before(p.End)
}

// Next returns the period immediately after p.
func (p Period) Next() Period {
	return For(p.Cycle, p.End)
}

// For returns the period of the given cycle containing t. Unknown cycles fall back to monthly.
func For(cycle BillingCycle, t time.Time) Period {
	t = t.UTC()
	switch cycle {
	case Daily:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return Period{Cycle: Daily, Key: start.Format("2006-01-02"), Start: start, End: start.AddDate(0, 0, 1)}
	case Weekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		year, week := start.ISOWeek()
		return Period{Cycle: Weekly, Key: fmt.Sprintf("%04d-W%02d", year, week), Start: start, End: start.AddDate(0, 0, 7)}
	case Yearly:
		start := time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		return Period{Cycle: Yearly, Key: start.Format("2006"), Start: start, End: start.AddDate(1, 0, 0)}
	default:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Period{Cycle: Monthly, Key: start.Format("2006-01"), Start: start, End: start.AddDate(0, 1, 0)}
	}
}

// Parse resolves a period key; the cycle is inferred from the key format.
func Parse(key string) (Period, error) {
	key = strings.TrimSpace(key)
	switch {
	case len(key) == 4:
		t, err := time.Parse("2006", key)
		if err != nil {
			return Period{}, ErrInvalidPeriodKey
		}
		return For(Yearly, t), nil
	case len(key) == 7:
		t, err := time.Parse("2006-01", key)
		if err != nil {
			return Period{}, ErrInvalidPeriodKey
		}
		return For(Monthly, t), nil
	case len(key) == 8 && key[5] == 'W':
		year, err := strconv.Atoi(key[:4])
		if err != nil || key[4] != '-' {
			return Period{}, ErrInvalidPeriodKey
		}
		week, err := strconv.Atoi(key[6:])
		if err != nil || week < 1 || week > 53 {
			return Period{}, ErrInvalidPeriodKey
		}
		p := For(Weekly, isoWeekStart(year, week))
		if p.Key != key {
			return Period{}, ErrInvalidPeriodKey
		}
		return p, nil
	case len(key) == 10:
		t, err := time.Parse("2006-01-02", key)
		if err != nil {
			return Period{}, ErrInvalidPeriodKey
		}
		return For(Daily, t), nil
	default:
		return Period{}, ErrInvalidPeriodKey
	}
}

func isoWeekStart(year, week int) time.Time {
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7
	return jan4.AddDate(0, 0, -offset+(week-1)*7)
}
