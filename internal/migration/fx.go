package migration

import (
	"github.com/smallbiznis/creditledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module brings the schema up to date before any component touches the database.
var Module = fx.Module("migrations",
	fx.Invoke(Apply),
)

// Apply runs versioned SQL migrations on PostgreSQL and AutoMigrate elsewhere.
func Apply(conn *gorm.DB, cfg db.Config, log *zap.Logger) error {
	log = log.Named("migration")
	if cfg.Type != db.TypePostgres {
		log.Info("applying schema from models", zap.String("dialect", cfg.Type))
		return AutoMigrate(conn)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	if err := RunMigrations(sqlDB); err != nil {
		return err
	}
	log.Info("migrations applied", zap.String("dialect", cfg.Type))
	return nil
}
