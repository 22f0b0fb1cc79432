package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	overagedomain "github.com/smallbiznis/usagegate/internal/overage/domain"
)

type calculateOveragesRequest struct {
	CustomerID    string `json:"customer_id" binding:"required"`
	BillingPeriod string `json:"billing_period" binding:"required"`
}

func (s *Server) CalculateOverages(c *gin.Context) {
	var req calculateOveragesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.overageSvc.CalculateUsageOverages(
		c.Request.Context(),
		creatorIDFromContext(c),
		strings.TrimSpace(req.CustomerID),
		strings.TrimSpace(req.BillingPeriod),
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListOverages(c *gin.Context) {
	var req overagedomain.ListOveragesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.CreatorID = creatorIDFromContext(c)

	resp, err := s.overageSvc.ListOverages(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
