package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billingsyncdomain "github.com/smallbiznis/usagegate/internal/billingsync/domain"
)

type processCycleRequest struct {
	BillingPeriod string `json:"billing_period" binding:"required"`
}

func (s *Server) ProcessBillingCycle(c *gin.Context) {
	var req processCycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.billingSyncSvc.ProcessBillingCycle(c.Request.Context(), creatorIDFromContext(c), strings.TrimSpace(req.BillingPeriod))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type syncUsageRequest struct {
	MeterID       string `json:"meter_id" binding:"required"`
	UserID        string `json:"user_id" binding:"required"`
	BillingPeriod string `json:"billing_period" binding:"required"`
}

// SyncMeteredUsage reports one customer's metered usage to the provider.
func (s *Server) SyncMeteredUsage(c *gin.Context) {
	var req syncUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	meterID, err := parseOptionalSnowflakeID(req.MeterID)
	if err != nil || meterID == nil {
		AbortWithError(c, billingsyncdomain.ErrInvalidMeter)
		return
	}
	meter, err := s.meterForCreator(c, creatorIDFromContext(c), *meterID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.billingSyncSvc.SyncMeteredUsage(c.Request.Context(), meter.ID, strings.TrimSpace(req.UserID), strings.TrimSpace(req.BillingPeriod))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListBillingSyncs(c *gin.Context) {
	var req billingsyncdomain.ListSyncRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.CreatorID = creatorIDFromContext(c)

	resp, err := s.billingSyncSvc.ListSyncs(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListFailedBillingSyncs(c *gin.Context) {
	resp, err := s.billingSyncSvc.GetFailedBillingSync(c.Request.Context(), creatorIDFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetBillingSync(c *gin.Context) {
	record, err := s.ownedSync(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}

// RetryBillingSync responds with the updated record even when the provider
// call fails again, so callers can see the attempt count.
func (s *Server) RetryBillingSync(c *gin.Context) {
	record, err := s.ownedSync(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.billingSyncSvc.RetryFailedSync(c.Request.Context(), record.ID)
	if err != nil {
		if resp == nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"data": resp, "error": errorPayloadFor(err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ownedSync(c *gin.Context) (*billingsyncdomain.UsageBillingSync, error) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		return nil, err
	}
	record, err := s.billingSyncSvc.GetSync(c.Request.Context(), id)
	if err != nil {
		return nil, err
	}
	if record.CreatorID != creatorIDFromContext(c) {
		return nil, billingsyncdomain.ErrSyncNotFound
	}
	return record, nil
}
