package usage

import (
	"github.com/smallbiznis/usagegate/internal/usage/aggregation"
	"github.com/smallbiznis/usagegate/internal/usage/liveevents"
	"github.com/smallbiznis/usagegate/internal/usage/recompute"
	"github.com/smallbiznis/usagegate/internal/usage/repository"
	"github.com/smallbiznis/usagegate/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(repository.ProvideRecomputeTasks),
	fx.Provide(aggregation.New),
	fx.Provide(aggregation.Provide),
	fx.Provide(liveevents.NewHub),
	fx.Provide(service.NewService),
	recompute.Module,
)
