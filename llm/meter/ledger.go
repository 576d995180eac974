package meter

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// UsageRecord is one append-only ledger row. Rows are written per provider
// call and never updated.
type UsageRecord struct {
	ID              uint      `gorm:"primaryKey"`
	RunID           string    `gorm:"index;size:64"`
	Provider        string    `gorm:"index;size:64"`
	Model           string    `gorm:"index;size:128"`
	Stage           string    `gorm:"size:32"`
	InputTokens     int64     `gorm:"not null;default:0"`
	OutputTokens    int64     `gorm:"not null;default:0"`
	CachedTokens    int64     `gorm:"not null;default:0"`
	ReasoningTokens int64     `gorm:"not null;default:0"`
	CostUSD         float64   `gorm:"not null;default:0"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

// TableName pins the table name.
func (UsageRecord) TableName() string { return "usage_records" }

// LedgerOptions configures the ledger connection. The facade maps the
// config section here; DSN comes pre-rendered.
type LedgerOptions struct {
	// Driver: sqlite, mysql, postgres
	Driver string
	// Pre-rendered connection string
	DSN string
	// Pool tuning
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Ledger is the append-only usage store.
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OpenLedger connects, tunes the pool, and migrates the schema.
func OpenLedger(opts LedgerOptions, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch opts.Driver {
	case "sqlite":
		dialector = sqlite.Open(opts.DSN)
	case "mysql":
		dialector = mysql.Open(opts.DSN)
	case "postgres":
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported ledger driver: %s (supported: sqlite, mysql, postgres)", opts.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect ledger database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(&UsageRecord{}); err != nil {
		return nil, fmt.Errorf("ledger auto-migrate failed: %w", err)
	}

	logger.Info("usage ledger connected",
		zap.String("driver", opts.Driver),
		zap.Int("max_open_conns", opts.MaxOpenConns),
	)

	return &Ledger{db: db, logger: logger.With(zap.String("component", "ledger"))}, nil
}

// NewLedger wraps an existing gorm handle. Used by tests; no migration runs.
func NewLedger(db *gorm.DB, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: db, logger: logger.With(zap.String("component", "ledger"))}
}

// Append writes one row.
func (l *Ledger) Append(ctx context.Context, rec *UsageRecord) error {
	if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

// Records returns a run's rows in append order.
func (l *Ledger) Records(ctx context.Context, runID string) ([]UsageRecord, error) {
	var records []UsageRecord
	err := l.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load usage records: %w", err)
	}
	return records, nil
}

// RunCost sums a run's recorded cost.
func (l *Ledger) RunCost(ctx context.Context, runID string) (float64, error) {
	var total float64
	err := l.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Where("run_id = ?", runID).
		Select("COALESCE(SUM(cost_usd), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum run cost: %w", err)
	}
	return total, nil
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
