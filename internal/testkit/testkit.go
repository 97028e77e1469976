// Package testkit holds the shared fixtures for engine tests: an in-memory
// sqlite database wired the way the production gorm connection is, minus
// the postgres-only locking clauses.
package testkit

import (
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountdomain "github.com/smallbiznis/kredit/internal/account/domain"
	eventsdomain "github.com/smallbiznis/kredit/internal/events/domain"
	ledgerdomain "github.com/smallbiznis/kredit/internal/ledger/domain"
	registrydomain "github.com/smallbiznis/kredit/internal/registry/domain"
	settlementdomain "github.com/smallbiznis/kredit/internal/settlement/domain"
	"gorm.io/gorm"
)

// OpenDB opens an isolated in-memory database with the full engine schema.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	stripForUpdate(db)

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&registrydomain.ActionCostDefinition{},
		&registrydomain.ActionAlias{},
		&accountdomain.TenantCreditAccount{},
		&accountdomain.UsageCounter{},
		&ledgerdomain.CreditTransaction{},
		&settlementdomain.CreditPackage{},
		&eventsdomain.OutboxEvent{},
	)
	if err != nil {
		t.Fatalf("migrate schema: %v", err)
	}

	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// stripForUpdate removes postgres row-locking clauses sqlite cannot parse.
func stripForUpdate(db *gorm.DB) {
	rewrite := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	_ = db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", rewrite)
	_ = db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", rewrite)
	_ = db.Callback().Raw().Before("gorm:raw").Register("sqlite_skip_locked_raw", rewrite)
}

// NewNode returns a snowflake node for test ID generation.
func NewNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}
