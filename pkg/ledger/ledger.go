// Package ledger persists a supplemental, best-effort audit trail of
// terminal saga outcomes: one row per saga once it reaches COMPLETED,
// FAILED, or COMPENSATION_COMPLETED. It is strictly additive: the saga
// store's per-saga files remain the sole source of truth for crash
// recovery, and a ledger write failure is logged, never surfaced to the
// orchestrator.
package ledger

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xiebiao/fulfillment/internal/platform/logx"
)

// Outcome is one terminal saga record.
type Outcome struct {
	ID                uint `gorm:"primaryKey"`
	SagaID            string `gorm:"uniqueIndex;size:64"`
	OrderID           string `gorm:"index;size:64"`
	Result            string `gorm:"size:32"` // COMPLETED / CANCELLED / FAILED
	ItemCount         int
	CompensationCount int
	StartedAt         time.Time
	RecordedAt        time.Time
}

func (Outcome) TableName() string { return "saga_outcomes" }

// Ledger wraps a GORM connection: "mysql" in production, "sqlite" for
// local dev and tests.
type Ledger struct {
	db  *gorm.DB
	log *logx.Logger
}

// Open dials driver/dsn, runs AutoMigrate for Outcome, and returns a
// ready Ledger.
func Open(driver, dsn string, log *logx.Logger) (*Ledger, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	if err := db.AutoMigrate(&Outcome{}); err != nil {
		return nil, fmt.Errorf("automigrate saga_outcomes: %w", err)
	}

	log.Success("saga outcome ledger ready: driver=%s", driver)
	return &Ledger{db: db, log: log}, nil
}

// Record inserts one terminal outcome row. A write failure is logged and
// swallowed: the ledger is an audit surface, never a correctness
// dependency.
func (l *Ledger) Record(ctx context.Context, o Outcome) {
	o.RecordedAt = time.Now()
	if err := l.db.WithContext(ctx).Create(&o).Error; err != nil {
		l.log.Warn("ledger record failed for saga %q: %v", o.SagaID, err)
	}
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}
