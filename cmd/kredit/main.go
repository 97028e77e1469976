package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kredit/internal/account"
	"github.com/smallbiznis/kredit/internal/clock"
	"github.com/smallbiznis/kredit/internal/config"
	"github.com/smallbiznis/kredit/internal/entitlement"
	"github.com/smallbiznis/kredit/internal/events"
	"github.com/smallbiznis/kredit/internal/grace"
	"github.com/smallbiznis/kredit/internal/ledger"
	"github.com/smallbiznis/kredit/internal/lock"
	"github.com/smallbiznis/kredit/internal/metering"
	"github.com/smallbiznis/kredit/internal/migration"
	"github.com/smallbiznis/kredit/internal/observability"
	"github.com/smallbiznis/kredit/internal/registry"
	"github.com/smallbiznis/kredit/internal/scheduler"
	"github.com/smallbiznis/kredit/internal/server"
	"github.com/smallbiznis/kredit/internal/settlement"
	"github.com/smallbiznis/kredit/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,
		migration.Module,

		// Engine domains
		registry.Module,
		account.Module,
		ledger.Module,
		entitlement.Module,
		grace.Module,
		settlement.Module,
		events.Module,
		metering.Module,

		// Surfaces
		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
