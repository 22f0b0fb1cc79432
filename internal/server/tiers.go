package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	tierdomain "github.com/smallbiznis/usagegate/internal/tier/domain"
)

func (s *Server) CreateTier(c *gin.Context) {
	var req tierdomain.CreateTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.tierSvc.CreateTier(c.Request.Context(), creatorIDFromContext(c), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListTiers(c *gin.Context) {
	resp, err := s.tierSvc.ListTiers(c.Request.Context(), creatorIDFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetTierByID(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.tierSvc.GetTier(c.Request.Context(), creatorIDFromContext(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) SetDefaultTier(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.tierSvc.SetDefaultTier(c.Request.Context(), creatorIDFromContext(c), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) AssignTier(c *gin.Context) {
	var req tierdomain.AssignTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.tierSvc.AssignTier(c.Request.Context(), creatorIDFromContext(c), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetCustomerTier(c *gin.Context) {
	resp, err := s.tierSvc.GetCurrentAssignment(c.Request.Context(), creatorIDFromContext(c), strings.TrimSpace(c.Param("customer_id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CancelCustomerTier(c *gin.Context) {
	var req struct {
		AtPeriodEnd bool `json:"at_period_end"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	resp, err := s.tierSvc.CancelAssignment(c.Request.Context(), creatorIDFromContext(c), strings.TrimSpace(c.Param("customer_id")), req.AtPeriodEnd)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
