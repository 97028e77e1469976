package entitlement

import "go.uber.org/fx"

var Module = fx.Module("entitlement.evaluator",
	fx.Provide(New),
)
