package grace

import "go.uber.org/fx"

var Module = fx.Module("grace.manager",
	fx.Provide(New),
)
