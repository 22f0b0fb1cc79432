package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	enforcementdomain "github.com/smallbiznis/usagegate/internal/enforcement/domain"
	meterdomain "github.com/smallbiznis/usagegate/internal/meter/domain"
	"github.com/smallbiznis/usagegate/internal/period"
	tierdomain "github.com/smallbiznis/usagegate/internal/tier/domain"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"github.com/smallbiznis/usagegate/pkg/db/pagination"
)

func (s *Service) ListUsageEvents(ctx context.Context, req usagedomain.ListEventsRequest) (usagedomain.ListEventsResponse, error) {
	if req.MeterID == 0 {
		return usagedomain.ListEventsResponse{}, usagedomain.ErrInvalidMeter
	}
	if !req.From.IsZero() && !req.To.IsZero() && !req.To.After(req.From) {
		return usagedomain.ListEventsResponse{}, usagedomain.ErrInvalidRange
	}

	after, err := decodeEventCursor(req.PageToken)
	if err != nil {
		return usagedomain.ListEventsResponse{}, err
	}

	pageSize := req.Pagination.Size()
	items, err := s.repo.ListEvents(ctx, s.db, usagedomain.EventFilter{
		MeterID: req.MeterID,
		UserID:  strings.TrimSpace(req.UserID),
		From:    req.From,
		To:      req.To,
	}, after, pageSize)
	if err != nil {
		return usagedomain.ListEventsResponse{}, err
	}
	return buildEventListResponse(items, int32(pageSize)), nil
}

func decodeEventCursor(token string) (*usagedomain.EventCursor, error) {
	cursor, err := pagination.DecodeCursor(token)
	if err != nil {
		return nil, usagedomain.ErrInvalidPageToken
	}
	if cursor == nil {
		return nil, nil
	}
	id, err := snowflake.ParseString(cursor.ID)
	if err != nil {
		return nil, usagedomain.ErrInvalidPageToken
	}
	ts, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
	if err != nil {
		return nil, usagedomain.ErrInvalidPageToken
	}
	return &usagedomain.EventCursor{EventTimestamp: ts.UTC(), ID: id}, nil
}

func buildEventListResponse(items []*usagedomain.UsageEvent, pageSize int32) usagedomain.ListEventsResponse {
	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(event *usagedomain.UsageEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        event.ID.String(),
			CreatedAt: event.EventTimestamp.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	events := make([]usagedomain.UsageEvent, 0, len(items))
	for _, item := range items {
		if item != nil {
			events = append(events, *item)
		}
	}
	return usagedomain.ListEventsResponse{PageInfo: *pageInfo, Events: events}
}

func (s *Service) GetUsageSummary(ctx context.Context, req usagedomain.SummaryRequest) (*usagedomain.UsageSummary, error) {
	if req.MeterID == 0 {
		return nil, usagedomain.ErrInvalidMeter
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, usagedomain.ErrInvalidUser
	}

	meter, err := s.meters.FindByID(ctx, s.db, req.MeterID)
	if err != nil {
		return nil, err
	}
	if meter == nil {
		return nil, meterdomain.ErrMeterNotFound
	}

	current, err := s.tiers.GetCurrentAssignment(ctx, meter.CreatorID, userID)
	if err != nil && !errors.Is(err, tierdomain.ErrAssignmentNotFound) && !errors.Is(err, tierdomain.ErrTierNotFound) {
		return nil, err
	}

	var p period.Period
	switch {
	case strings.TrimSpace(req.BillingPeriod) != "":
		p, err = period.Parse(req.BillingPeriod)
		if err != nil {
			return nil, err
		}
	case current != nil:
		p = current.Period(s.clock.Now())
	default:
		p = period.For(period.Monthly, s.clock.Now())
	}

	usage, count, err := s.aggregator.CurrentUsage(ctx, meter, userID, p)
	if err != nil {
		return nil, err
	}

	planName := strings.TrimSpace(req.PlanName)
	if planName == "" && current != nil {
		planName = current.Tier.Name
	}

	summary := &usagedomain.UsageSummary{
		MeterID:            meter.ID,
		EventName:          meter.EventName,
		UnitName:           meter.UnitName,
		UserID:             userID,
		PlanName:           planName,
		BillingPeriod:      p.Key,
		PeriodStart:        p.Start,
		PeriodEnd:          p.End,
		CurrentUsage:       usage,
		EventCount:         count,
		SoftLimitThreshold: s.policy.Get().DefaultSoftLimitThreshold,
	}
	if planName == "" {
		return summary, nil
	}

	planLimit, err := s.meters.FindPlanLimit(ctx, s.db, meter.ID, planName)
	if err != nil {
		return nil, err
	}
	if planLimit != nil {
		summary.SoftLimitThreshold = planLimit.SoftLimitThreshold
		summary.HardCap = planLimit.HardCap
		if planLimit.HasLimit() {
			limit := *planLimit.LimitValue
			summary.LimitValue = &limit
		}
	}
	if summary.LimitValue == nil && current != nil && current.Tier.Name == planName {
		if limit, ok := current.Tier.Cap(meter.EventName); ok {
			summary.LimitValue = &limit
		}
	}
	if summary.LimitValue == nil {
		return summary, nil
	}

	limit := *summary.LimitValue
	eval := enforcementdomain.EvaluateLimit(usage, limit, enforcementdomain.Policy{
		SoftLimitThreshold: summary.SoftLimitThreshold,
		HardCap:            summary.HardCap,
	})
	remaining := math.Max(0, limit-usage)
	summary.Remaining = &remaining
	summary.UsagePercentage = eval.Percentage
	summary.ShouldWarn = eval.Warn || eval.Block
	summary.ShouldBlock = summary.HardCap && eval.Reached
	return summary, nil
}
