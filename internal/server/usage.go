package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/usagegate/internal/usage/domain"
	"github.com/smallbiznis/usagegate/pkg/db/pagination"
)

func (s *Server) TrackUsage(c *gin.Context) {
	var req usagedomain.TrackUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set("event_name", strings.TrimSpace(req.EventName))
	if key := strings.TrimSpace(c.GetHeader("Idempotency-Key")); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	resp, err := s.usageSvc.TrackUsage(c.Request.Context(), creatorIDFromContext(c), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if resp.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": resp})
}

type listUsageEventsQuery struct {
	MeterID string `form:"meter_id"`
	UserID  string `form:"user_id"`
	From    string `form:"from"`
	To      string `form:"to"`
	pagination.Pagination
}

func (s *Server) ListUsageEvents(c *gin.Context) {
	var query listUsageEventsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	meterID, err := parseOptionalSnowflakeID(query.MeterID)
	if err != nil || meterID == nil {
		AbortWithError(c, usagedomain.ErrInvalidMeter)
		return
	}
	meter, err := s.meterForCreator(c, creatorIDFromContext(c), *meterID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	req := usagedomain.ListEventsRequest{
		MeterID:    meter.ID,
		UserID:     strings.TrimSpace(query.UserID),
		Pagination: query.Pagination,
	}
	from, err := parseOptionalTime(query.From, false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "from must be RFC3339 or YYYY-MM-DD"))
		return
	}
	to, err := parseOptionalTime(query.To, true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "to must be RFC3339 or YYYY-MM-DD"))
		return
	}
	if from != nil {
		req.From = *from
	}
	if to != nil {
		req.To = *to
	}

	resp, err := s.usageSvc.ListUsageEvents(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetUsageSummary(c *gin.Context) {
	meter, err := s.ownedMeter(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.usageSvc.GetUsageSummary(c.Request.Context(), usagedomain.SummaryRequest{
		MeterID:       meter.ID,
		UserID:        strings.TrimSpace(c.Query("user_id")),
		PlanName:      strings.TrimSpace(c.Query("plan_name")),
		BillingPeriod: strings.TrimSpace(c.Query("billing_period")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
