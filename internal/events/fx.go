package events

import (
	"github.com/smallbiznis/kredit/internal/events/repository"
	"github.com/smallbiznis/kredit/internal/events/service"
	"go.uber.org/fx"
)

var Module = fx.Module("events.outbox",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(service.NewPublisher),
	fx.Provide(service.NewDispatcher),
)
