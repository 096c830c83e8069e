package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/commandflow/config"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// =============================================================================
// 🗄️ 执行历史存储
// =============================================================================

// ErrStoreClosed 存储已关闭
var ErrStoreClosed = errors.New("history store is closed")

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 500
)

// ExecutionRecord 一次命令执行的记录
type ExecutionRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	RequestID  string    `gorm:"size:64;index" json:"request_id"`
	Command    string    `gorm:"size:128;index" json:"command"`
	Origin     string    `gorm:"size:16" json:"origin"`
	Success    bool      `json:"success"`
	ErrorCode  string    `gorm:"size:64" json:"error_code,omitempty"`
	DurationMS float64   `json:"duration_ms"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// TableName 表名
func (ExecutionRecord) TableName() string { return "execution_records" }

// Store 执行历史存储
type Store struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// Dialector 按驱动名创建 GORM dialector
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "sqlite":
		return sqlite.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported history driver: %s (supported: sqlite, postgres, mysql)", driver)
	}
}

// Open 打开数据库、配置连接池并自动迁移
func Open(ctx context.Context, cfg config.HistoryConfig, logger *zap.Logger) (*Store, error) {
	dialector, err := Dialector(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	pool := DefaultPoolConfig()
	if cfg.Driver == "sqlite" {
		// sqlite 写入串行化
		pool.MaxOpenConns = 1
		pool.MaxIdleConns = 1
	}

	s, err := NewStore(db, pool, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	s.logger.Info("history store opened", zap.String("driver", cfg.Driver))
	return s, nil
}

// NewStore 包装已打开的 GORM 实例，不执行迁移
func NewStore(db *gorm.DB, pool PoolConfig, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	pool.apply(sqlDB)

	return &Store{
		db:     db,
		sqlDB:  sqlDB,
		logger: logger.With(zap.String("component", "history")),
	}, nil
}

// Migrate 自动迁移表结构
func (s *Store) Migrate(ctx context.Context) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(&ExecutionRecord{}); err != nil {
		return fmt.Errorf("failed to migrate history schema: %w", err)
	}
	return nil
}

// Record 写入一条记录
func (s *Store) Record(ctx context.Context, rec *ExecutionRecord) error {
	if rec == nil {
		return errors.New("record cannot be nil")
	}
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// Recent 按时间倒序返回最近的记录。limit<=0 使用默认值，上限 500
func (s *Store) Recent(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = defaultRecentLimit
	case limit > maxRecentLimit:
		limit = maxRecentLimit
	}

	var records []ExecutionRecord
	if err := db.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return records, nil
}

// Prune 删除早于 olderThan 的记录，返回删除条数
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	var deleted int64
	err := s.withTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		res := tx.Where("created_at < ?", olderThan).Delete(&ExecutionRecord{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("history pruned",
			zap.Int64("deleted", deleted),
			zap.Time("older_than", olderThan))
	}
	return deleted, nil
}

// Count 返回记录总数
func (s *Store) Count(ctx context.Context) (int64, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.Model(&ExecutionRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return n, nil
}

// Ping 检查数据库连接
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.sqlDB.PingContext(ctx)
}

// DBStats 返回连接池统计
func (s *Store) DBStats() sql.DBStats {
	return s.sqlDB.Stats()
}

// Close 关闭连接，可重复调用
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info("closing history store")
	return s.sqlDB.Close()
}

func (s *Store) handle(ctx context.Context) (*gorm.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.db.WithContext(ctx), nil
}
