package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	enforcementdomain "github.com/smallbiznis/usagegate/internal/enforcement/domain"
)

// CheckEnforcement answers whether the customer may consume Increment more
// units of the metric. It never records usage.
func (s *Server) CheckEnforcement(c *gin.Context) {
	var req enforcementdomain.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.CreatorID = creatorIDFromContext(c)

	resp, err := s.enforcementSvc.CheckEnforcement(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
