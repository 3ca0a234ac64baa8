package services

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crowdkit/crowdkit/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testTenant = "tenant-1"

var testDBSeq atomic.Int64

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// A plain ":memory:" DSN gives every pool connection its own empty
	// database; shared cache keeps the schema visible on every connection
	// the pool hands out.
	dsn := fmt.Sprintf("file:svc%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	err = db.AutoMigrate(
		&models.Member{},
		&models.Organization{},
		&models.Identity{},
		&models.OrganizationMembership{},
		&models.AffiliationOverride{},
		&models.Segment{},
		&models.SegmentMembership{},
		&models.MergeExclusion{},
		&models.Activity{},
		&models.ActivityRelation{},
		&models.MergeAction{},
		&models.MergeLock{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func mustCreate(t *testing.T, db *gorm.DB, value interface{}) {
	t.Helper()
	if err := db.Create(value).Error; err != nil {
		t.Fatalf("create %T: %v", value, err)
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func uintPtr(v uint) *uint { return &v }
