package billingsync

import (
	"github.com/smallbiznis/usagegate/internal/billingsync/repository"
	"github.com/smallbiznis/usagegate/internal/billingsync/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billingsync.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
