package database

import (
	"fmt"
	"sync"

	"github.com/synaptica-ai/fdm/pkg/common/config"
	"github.com/synaptica-ai/fdm/pkg/common/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	db     *gorm.DB
	dbErr  error
	dbOnce sync.Once
)

// PostgresDSN builds a libpq key/value connection string.
func PostgresDSN(cfg *config.Config) string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.PostgresHost,
		cfg.PostgresUser,
		cfg.PostgresPassword,
		cfg.PostgresDB,
		cfg.PostgresPort,
		cfg.PostgresSSLMode,
	)
}

// OpenPostgres opens a fresh connection pool; callers own it.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
}

// GetPostgres returns the process-wide connection built from the environment.
func GetPostgres() (*gorm.DB, error) {
	dbOnce.Do(func() {
		db, dbErr = OpenPostgres(PostgresDSN(config.Load()))
		if dbErr != nil {
			logger.Entry().WithError(dbErr).Error("Failed to connect to PostgreSQL")
			return
		}

		logger.Entry().Info("Connected to PostgreSQL")
	})

	return db, dbErr
}

// ClosePostgres closes the process-wide pool. Closing twice is harmless.
func ClosePostgres() error {
	if db != nil {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}
