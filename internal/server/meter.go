package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	meterdomain "github.com/smallbiznis/usagegate/internal/meter/domain"
)

func (s *Server) CreateMeter(c *gin.Context) {
	var req meterdomain.CreateMeterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.meterSvc.CreateMeter(c.Request.Context(), creatorIDFromContext(c), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListMeters(c *gin.Context) {
	resp, err := s.meterSvc.ListMeters(c.Request.Context(), creatorIDFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetMeterByID(c *gin.Context) {
	meter, err := s.ownedMeter(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	limits, err := s.meterSvc.ListPlanLimits(c.Request.Context(), meter.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": meterdomain.MeterWithLimits{UsageMeter: *meter, PlanLimits: limits}})
}

func (s *Server) DeleteMeter(c *gin.Context) {
	meter, err := s.ownedMeter(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.meterSvc.DeactivateMeter(c.Request.Context(), meter.CreatorID, meter.ID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) UpsertPlanLimit(c *gin.Context) {
	meter, err := s.ownedMeter(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req meterdomain.PlanLimitInput
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.meterSvc.UpsertPlanLimit(c.Request.Context(), meter.ID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// ownedMeter loads the :id meter and hides meters of other creators.
func (s *Server) ownedMeter(c *gin.Context) (*meterdomain.UsageMeter, error) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		return nil, err
	}
	return s.meterForCreator(c, creatorIDFromContext(c), id)
}

func (s *Server) meterForCreator(c *gin.Context, creatorID, meterID snowflake.ID) (*meterdomain.UsageMeter, error) {
	meter, err := s.meterSvc.GetMeter(c.Request.Context(), meterID)
	if err != nil {
		return nil, err
	}
	if meter.CreatorID != creatorID {
		return nil, meterdomain.ErrMeterNotFound
	}
	return meter, nil
}
