package server

import (
	"errors"
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/usagegate/internal/apperr"
)

const rateLimitReasonCreatorRate = "creator-rate"

// setRetryAfter exposes the limiter's refill hint on 429 responses.
func setRetryAfter(c *gin.Context, err error) {
	var rl *apperr.RateLimitedError
	if !errors.As(err, &rl) {
		c.Header("Retry-After", "1")
		return
	}
	seconds := int(math.Ceil(rl.RetryAfter))
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.Header("X-Rate-Limited-Reason", rateLimitReasonCreatorRate)
}
