package server

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// authorize checks the request actor against the creator's casbin domain.
// Without an authorization service every creator-scoped request is allowed.
func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authzSvc == nil {
			c.Next()
			return
		}
		creatorID := creatorIDFromContext(c)
		if creatorID == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		err := s.authzSvc.Authorize(
			c.Request.Context(),
			actorFromContext(c),
			creatorID.String(),
			strings.TrimSpace(object),
			strings.TrimSpace(action),
		)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}
