package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"digital_fulfillment/internal/model"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// GormStore 是 Store 的 SQL 实现。
type GormStore struct {
	db  *gorm.DB
	log *zap.Logger
}

var _ Store = (*GormStore)(nil)

// Open 连接数据库并自动建表。
func Open(driver, dsn string, log *zap.Logger) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(sqliteDSN(dsn))
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.AutoMigrate(&model.Product{}, &model.OrderLine{}, &model.OutboxEvent{}); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return &GormStore{db: db, log: log}, nil
}

// DB 暴露底层连接，供目录管理与测试造数使用。
func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&gormTx{db: db})
	})
	return translate(err)
}

type gormTx struct {
	db *gorm.DB
}

// sqliteDSN 补齐 SQLite 参数：SQLite 没有行锁，用 BEGIN IMMEDIATE 让写事务串行，
// busy_timeout 让后来者阻塞等待而不是立即报 SQLITE_BUSY。
func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "digital_fulfillment.db"
	}
	params := []string{}
	if !strings.Contains(dsn, "_txlock=") {
		params = append(params, "_txlock=immediate")
	}
	if !strings.Contains(dsn, "_busy_timeout=") {
		params = append(params, "_busy_timeout=10000")
	}
	if !strings.Contains(dsn, "_journal_mode=") {
		params = append(params, "_journal_mode=WAL")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// translate 把 GORM 错误归一成包内哨兵错误，其余原样返回。
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	default:
		return err
	}
}
