// Package app groups the fx modules shared by the usagegate binaries.
package app

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/usagegate/internal/alert"
	"github.com/smallbiznis/usagegate/internal/authorization"
	"github.com/smallbiznis/usagegate/internal/billingsync"
	"github.com/smallbiznis/usagegate/internal/cache"
	"github.com/smallbiznis/usagegate/internal/clock"
	"github.com/smallbiznis/usagegate/internal/config"
	"github.com/smallbiznis/usagegate/internal/enforcement"
	"github.com/smallbiznis/usagegate/internal/meter"
	"github.com/smallbiznis/usagegate/internal/migration"
	"github.com/smallbiznis/usagegate/internal/observability"
	"github.com/smallbiznis/usagegate/internal/overage"
	"github.com/smallbiznis/usagegate/internal/providers/billing"
	"github.com/smallbiznis/usagegate/internal/ratelimit"
	"github.com/smallbiznis/usagegate/internal/tier"
	"github.com/smallbiznis/usagegate/internal/usage"
	"github.com/smallbiznis/usagegate/pkg/db"
	"go.uber.org/fx"
)

// Infrastructure provides configuration, telemetry, storage and ids.
var Infrastructure = fx.Options(
	config.Module,
	observability.Module,
	fx.Provide(RegisterSnowflake),
	db.Module,
	migration.Module,
	clock.Module,
	cache.Module,
	ratelimit.Module,
)

// Services provides every domain service.
var Services = fx.Options(
	authorization.Module,
	billing.Module,
	meter.Module,
	tier.Module,
	usage.Module,
	enforcement.Module,
	alert.Module,
	overage.Module,
	billingsync.Module,
)

// RegisterSnowflake builds the id generator for SNOWFLAKE_NODE_ID. Each
// replica needs its own node id.
func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}
