package overage

import (
	"github.com/smallbiznis/usagegate/internal/overage/repository"
	"github.com/smallbiznis/usagegate/internal/overage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("overage.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
