package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	alertdomain "github.com/smallbiznis/usagegate/internal/alert/domain"
)

type checkLimitsRequest struct {
	UserID        string `json:"user_id" binding:"required"`
	BillingPeriod string `json:"billing_period"`
}

func (s *Server) CheckLimits(c *gin.Context) {
	meter, err := s.ownedMeter(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req checkLimitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.alertSvc.CheckLimits(c.Request.Context(), meter.ID, strings.TrimSpace(req.UserID), strings.TrimSpace(req.BillingPeriod))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListAlerts(c *gin.Context) {
	meter, err := s.ownedMeter(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req alertdomain.ListAlertsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.MeterID = meter.ID

	resp, err := s.alertSvc.ListAlerts(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) AcknowledgeAlert(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	alert, err := s.alertSvc.GetAlert(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if _, err := s.meterForCreator(c, creatorIDFromContext(c), alert.MeterID); err != nil {
		AbortWithError(c, alertdomain.ErrAlertNotFound)
		return
	}

	resp, err := s.alertSvc.AcknowledgeAlert(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
