package metering

import (
	"github.com/smallbiznis/kredit/internal/metering/service"
	"go.uber.org/fx"
)

var Module = fx.Module("metering.service",
	fx.Provide(service.New),
)
