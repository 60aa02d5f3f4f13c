// Package testkit builds in-memory stores and fixtures for package tests.
package testkit

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/migration"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens a private in-memory sqlite database with every entitlement table migrated.
// SQLite has no row locks, so FOR UPDATE clauses are stripped before execution.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	stripLocks := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	if err := db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripLocks); err != nil {
		t.Fatalf("register query callback: %v", err)
	}
	if err := db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripLocks); err != nil {
		t.Fatalf("register row callback: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.AutoMigrate(db); err != nil {
		t.Fatalf("%v", err)
	}
	return db
}

// NewRedis starts a miniredis server and a client pointed at it.
func NewRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// NewNode returns a snowflake node for test ids.
func NewNode(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// Scope is the customer every fixture belongs to unless stated otherwise.
var Scope = domain.Scope{OrgID: 1001, Environment: domain.EnvironmentLive, CustomerID: 2002}

// Fixtures seeds plan data and entitlements.
type Fixtures struct {
	t    testing.TB
	db   *gorm.DB
	node *snowflake.Node
}

func NewFixtures(t testing.TB, db *gorm.DB) *Fixtures {
	return &Fixtures{t: t, db: db, node: NewNode(t)}
}

// ID returns a fresh snowflake id.
func (f *Fixtures) ID() snowflake.ID {
	return f.node.Generate()
}

// Feature inserts a feature and its credit links.
func (f *Fixtures) Feature(scope domain.Scope, id string, kind domain.FeatureKind, links ...domain.CreditLink) domain.Feature {
	f.t.Helper()
	feature := domain.Feature{ID: id, OrgID: scope.OrgID, Environment: scope.Environment, Name: id, Kind: kind}
	f.must(f.db.Create(&feature).Error)
	for _, link := range links {
		link.OrgID = scope.OrgID
		link.Environment = scope.Environment
		link.FeatureID = id
		f.must(f.db.Create(&link).Error)
	}
	feature.CreditLinks = links
	return feature
}

// Template inserts an entitlement template.
func (f *Fixtures) Template(tmpl domain.EntitlementTemplate) domain.EntitlementTemplate {
	f.t.Helper()
	if tmpl.ID == 0 {
		tmpl.ID = f.ID()
	}
	if tmpl.Interval == "" {
		tmpl.Interval = domain.IntervalMonth
	}
	if tmpl.IntervalCount == 0 {
		tmpl.IntervalCount = 1
	}
	if tmpl.RolloverDuration == "" {
		tmpl.RolloverDuration = domain.IntervalMonth
	}
	f.must(f.db.Create(&tmpl).Error)
	return tmpl
}

// Entitlement inserts a customer entitlement and its rollover chunks.
func (f *Fixtures) Entitlement(scope domain.Scope, featureID string, tmpl domain.EntitlementTemplate, ent domain.CustomerEntitlement) domain.CustomerEntitlement {
	f.t.Helper()
	if ent.ID == 0 {
		ent.ID = f.ID()
	}
	ent.OrgID = scope.OrgID
	ent.Environment = scope.Environment
	ent.CustomerID = scope.CustomerID
	ent.FeatureID = featureID
	ent.TemplateID = tmpl.ID
	if ent.CustomerProductID == 0 {
		ent.CustomerProductID = f.ID()
	}
	rollovers := ent.Rollovers
	ent.Rollovers = nil
	f.must(f.db.Create(&ent).Error)

	for i := range rollovers {
		if rollovers[i].ID == 0 {
			rollovers[i].ID = f.ID()
		}
		rollovers[i].EntitlementID = ent.ID
		f.must(f.db.Create(&rollovers[i]).Error)
	}
	ent.Rollovers = rollovers
	return ent
}

// TopUpRule inserts an auto top-up rule.
func (f *Fixtures) TopUpRule(rule domain.AutoTopUpRule) domain.AutoTopUpRule {
	f.t.Helper()
	if rule.ID == 0 {
		rule.ID = f.ID()
	}
	f.must(f.db.Create(&rule).Error)
	return rule
}

// Reload reads an entitlement back from the store.
func (f *Fixtures) Reload(id snowflake.ID) domain.CustomerEntitlement {
	f.t.Helper()
	var ent domain.CustomerEntitlement
	f.must(f.db.WithContext(context.Background()).Where("id = ?", id).First(&ent).Error)
	f.must(f.db.Where("entitlement_id = ?", id).Order("id").Find(&ent.Rollovers).Error)
	return ent
}

// FastForwardReset moves an entitlement's next reset into the past.
func (f *Fixtures) FastForwardReset(id snowflake.ID, at time.Time) {
	f.t.Helper()
	f.must(f.db.Model(&domain.CustomerEntitlement{}).Where("id = ?", id).Update("next_reset_at", at.UnixMilli()).Error)
}

func (f *Fixtures) must(err error) {
	f.t.Helper()
	if err != nil {
		f.t.Fatalf("fixture: %v", err)
	}
}
