package migration

import (
	accountdomain "github.com/smallbiznis/kredit/internal/account/domain"
	"github.com/smallbiznis/kredit/internal/config"
	eventsdomain "github.com/smallbiznis/kredit/internal/events/domain"
	ledgerdomain "github.com/smallbiznis/kredit/internal/ledger/domain"
	registrydomain "github.com/smallbiznis/kredit/internal/registry/domain"
	"github.com/smallbiznis/kredit/internal/seed"
	settlementdomain "github.com/smallbiznis/kredit/internal/settlement/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// sqlite/mysql development mode has no versioned migrations.
			err := conn.AutoMigrate(
				&registrydomain.ActionCostDefinition{},
				&registrydomain.ActionAlias{},
				&accountdomain.TenantCreditAccount{},
				&accountdomain.UsageCounter{},
				&ledgerdomain.CreditTransaction{},
				&settlementdomain.CreditPackage{},
				&eventsdomain.OutboxEvent{},
			)
			if err != nil {
				return err
			}
		}

		return seed.EnsureCatalog(conn)
	}),
)
