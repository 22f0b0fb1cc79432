package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/usagegate/internal/observability/context"
)

// Headers set by the upstream gateway after it authenticates the caller.
const (
	HeaderCreator = "X-Creator-ID"
	HeaderActor   = "X-Actor"
)

const (
	contextCreatorIDKey = "creator_id"
	contextActorKey     = "actor"
)

// CreatorContext resolves the creator and actor of the request and stores
// them on both the gin and request contexts.
func CreatorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		rawCreator := strings.TrimSpace(c.GetHeader(HeaderCreator))
		if rawCreator == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		creatorID, err := snowflake.ParseString(rawCreator)
		if err != nil || creatorID == 0 {
			AbortWithError(c, newValidationError("creator_id", "invalid_creator", "X-Creator-ID must be a snowflake id"))
			return
		}

		actor := strings.TrimSpace(c.GetHeader(HeaderActor))
		if actor == "" {
			actor = "creator:" + creatorID.String()
		}
		actorType, actorID, _ := strings.Cut(actor, ":")

		ctx := obscontext.WithCreatorID(c.Request.Context(), creatorID.String())
		ctx = obscontext.WithActor(ctx, actorType, actorID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextCreatorIDKey, creatorID)
		c.Set(contextActorKey, actor)
		c.Next()
	}
}

func creatorIDFromContext(c *gin.Context) snowflake.ID {
	if v, ok := c.Get(contextCreatorIDKey); ok {
		if id, ok := v.(snowflake.ID); ok {
			return id
		}
	}
	return 0
}

func actorFromContext(c *gin.Context) string {
	if v, ok := c.Get(contextActorKey); ok {
		if actor, ok := v.(string); ok {
			return actor
		}
	}
	return ""
}
