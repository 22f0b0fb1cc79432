package authorization

import (
	"context"

	"github.com/smallbiznis/usagegate/internal/apperr"
)

// Service decides whether an actor may perform action on object within a
// creator's domain.
type Service interface {
	Authorize(ctx context.Context, actor string, creatorID string, object string, action string) error
}

var (
	ErrInvalidActor   = apperr.Validation("actor", "invalid_actor", "actor must be system, creator:<id>, operator:<id> or api_key:<id>")
	ErrInvalidCreator = apperr.Validation("creator_id", "invalid_creator", "creator id is required")
	ErrInvalidObject  = apperr.Validation("object", "invalid_object", "object is required")
	ErrInvalidAction  = apperr.Validation("action", "invalid_action", "action is required")
	ErrForbidden      = apperr.ErrForbidden
)
