package guard

import (
	"errors"
	"time"

	tierdomain "github.com/smallbiznis/usagegate/internal/tier/domain"
)

var (
	ErrAssignmentNotCurrent = errors.New("assignment_not_current")
	ErrPeriodNotEnded       = errors.New("period_not_ended")
)

// EnsurePeriodCanClose reports whether an assignment's current period is ready
// to be billed and rolled over.
func EnsurePeriodCanClose(status tierdomain.AssignmentStatus, periodEnd time.Time, now time.Time) error {
	switch status {
	case tierdomain.AssignmentStatusActive, tierdomain.AssignmentStatusTrialing, tierdomain.AssignmentStatusPastDue:
	default:
		return ErrAssignmentNotCurrent
	}
	if now.Before(periodEnd) {
		return ErrPeriodNotEnded
	}
	return nil
}
