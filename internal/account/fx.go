package account

import (
	"github.com/smallbiznis/kredit/internal/account/repository"
	"github.com/smallbiznis/kredit/internal/account/service"
	"go.uber.org/fx"
)

var Module = fx.Module("account.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
