// Package seed bootstraps the action cost catalog and the purchasable
// credit packages so a fresh install meters real actions immediately.
package seed

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	registrydomain "github.com/smallbiznis/kredit/internal/registry/domain"
	settlementdomain "github.com/smallbiznis/kredit/internal/settlement/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type costEntry struct {
	Key         string
	Name        string
	Cost        int64
	Category    registrydomain.Category
	Blocked     bool
	FullBalance bool
}

// The defaults mirror the hosted catalog. Every key an inbound request may
// carry must exist here or in a later migration: unknown keys are refused.
var defaultCosts = []costEntry{
	{Key: "catalog.view", Name: "View catalog", Cost: 0, Category: registrydomain.CategoryCatalog},
	{Key: "catalog.search", Name: "Search catalog", Cost: 0, Category: registrydomain.CategoryCatalog},
	{Key: "catalog.product.create", Name: "Create product", Cost: 2, Category: registrydomain.CategoryCatalog},
	{Key: "catalog.product.update", Name: "Update product", Cost: 1, Category: registrydomain.CategoryCatalog},
	{Key: "catalog.product.import", Name: "Bulk import products", Cost: 25, Category: registrydomain.CategoryCatalog, FullBalance: true},

	{Key: "order.view", Name: "View order", Cost: 0, Category: registrydomain.CategoryOrdering},
	{Key: "order.create", Name: "Create order", Cost: 1, Category: registrydomain.CategoryOrdering},
	{Key: "order.fulfill", Name: "Fulfill order", Cost: 2, Category: registrydomain.CategoryOrdering},
	{Key: "order.refund", Name: "Refund order", Cost: 3, Category: registrydomain.CategoryOrdering},

	{Key: "logistics.label.create", Name: "Create shipping label", Cost: 5, Category: registrydomain.CategoryLogistics},
	{Key: "logistics.tracking.sync", Name: "Sync tracking", Cost: 1, Category: registrydomain.CategoryLogistics},
	{Key: "logistics.rate.quote", Name: "Quote shipping rates", Cost: 2, Category: registrydomain.CategoryLogistics},

	{Key: "crm.contact.create", Name: "Create contact", Cost: 1, Category: registrydomain.CategoryCRM},
	{Key: "crm.contact.enrich", Name: "Enrich contact", Cost: 10, Category: registrydomain.CategoryCRM},
	{Key: "crm.segment.build", Name: "Build segment", Cost: 15, Category: registrydomain.CategoryCRM, FullBalance: true},

	{Key: "messaging.email.send", Name: "Send email", Cost: 1, Category: registrydomain.CategoryMessaging},
	{Key: "messaging.sms.send", Name: "Send SMS", Cost: 3, Category: registrydomain.CategoryMessaging},
	{Key: "messaging.campaign.send", Name: "Send campaign", Cost: 50, Category: registrydomain.CategoryMessaging, FullBalance: true},

	{Key: "reporting.dashboard.view", Name: "View dashboard", Cost: 0, Category: registrydomain.CategoryReporting},
	{Key: "reporting.report.run", Name: "Run report", Cost: 5, Category: registrydomain.CategoryReporting},
	{Key: "reporting.report.schedule", Name: "Schedule report", Cost: 10, Category: registrydomain.CategoryReporting},

	{Key: "export.csv", Name: "Export CSV", Cost: 10, Category: registrydomain.CategoryExport, FullBalance: true},
	{Key: "export.full", Name: "Full data export", Cost: 40, Category: registrydomain.CategoryExport, FullBalance: true},

	{Key: "integration.webhook.deliver", Name: "Deliver webhook", Cost: 1, Category: registrydomain.CategoryIntegration},
	{Key: "integration.api.sync", Name: "External API sync", Cost: 5, Category: registrydomain.CategoryIntegration},

	{Key: "premium.insights.generate", Name: "Generate insights", Cost: 30, Category: registrydomain.CategoryPremium, Blocked: true, FullBalance: true},
	{Key: "premium.forecast.run", Name: "Run forecast", Cost: 50, Category: registrydomain.CategoryPremium, Blocked: true, FullBalance: true},
}

// Renamed keys kept resolvable for requests from older clients.
var defaultAliases = map[string]string{
	"email.send":     "messaging.email.send",
	"sms.send":       "messaging.sms.send",
	"product.create": "catalog.product.create",
	"export.all":     "export.full",
}

type packageEntry struct {
	Code    string
	Name    string
	Credits int64
	Price   int64
}

var defaultPackages = []packageEntry{
	{Code: "starter", Name: "Starter pack", Credits: 500, Price: 900},
	{Code: "growth", Name: "Growth pack", Credits: 2000, Price: 2900},
	{Code: "scale", Name: "Scale pack", Credits: 10000, Price: 9900},
}

// EnsureCatalog upserts the default catalog. Existing rows win on cost so
// operator overrides survive restarts.
func EnsureCatalog(db *gorm.DB) error {
	ctx := context.Background()
	now := time.Now().UTC()

	for _, entry := range defaultCosts {
		def := registrydomain.ActionCostDefinition{
			Key:                 entry.Key,
			DisplayName:         entry.Name,
			Cost:                entry.Cost,
			Category:            entry.Category,
			BlockedOnFreeTier:   entry.Blocked,
			RequiresFullBalance: entry.FullBalance,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		err := db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "action_key"}},
				DoNothing: true,
			}).
			Create(&def).Error
		if err != nil {
			return err
		}
	}

	for alias, canonical := range defaultAliases {
		row := registrydomain.ActionAlias{Alias: alias, CanonicalKey: canonical}
		err := db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "alias"}},
				DoNothing: true,
			}).
			Create(&row).Error
		if err != nil {
			return err
		}
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}
	for _, entry := range defaultPackages {
		pkg := settlementdomain.CreditPackage{
			ID:              node.Generate(),
			Code:            entry.Code,
			DisplayName:     entry.Name,
			Credits:         entry.Credits,
			PriceMinorUnits: entry.Price,
			Currency:        "USD",
			Active:          true,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		err := db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "code"}},
				DoNothing: true,
			}).
			Create(&pkg).Error
		if err != nil {
			return err
		}
	}
	return nil
}
