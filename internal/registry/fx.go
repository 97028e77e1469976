package registry

import (
	"github.com/smallbiznis/kredit/internal/cache"
	"github.com/smallbiznis/kredit/internal/registry/repository"
	"github.com/smallbiznis/kredit/internal/registry/service"
	"go.uber.org/fx"
)

var Module = fx.Module("registry.service",
	fx.Provide(repository.Provide),
	fx.Provide(cache.NewCostResolverCache),
	fx.Provide(service.New),
)
