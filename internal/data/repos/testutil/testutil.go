package testutil

import (
	"os"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	types "github.com/studyforge/coursegen-backend/internal/domain/jobs"
	"github.com/studyforge/coursegen-backend/internal/platform/logger"
)

// DB opens a throwaway database for repo and orchestration tests. By default
// it is an in-memory sqlite instance; set TEST_POSTGRES_DSN to run the same
// tests against a real postgres (row locking paths included).
func DB(t *testing.T) *gorm.DB {
	t.Helper()

	var (
		db  *gorm.DB
		err error
	)
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	} else {
		db, err = gorm.Open(sqlite.Open("file::memory:?cache=shared&_fk=1"), cfg)
		if err == nil {
			sqlDB, sqlErr := db.DB()
			if sqlErr != nil {
				t.Fatalf("sql db: %v", sqlErr)
			}
			// A single connection keeps the shared in-memory database alive
			// and serializes writes the way sqlite expects.
			sqlDB.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	if err := db.AutoMigrate(
		&types.GenerationJob{},
		&types.GenerationTask{},
		&types.JobActionRecord{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	t.Cleanup(func() {
		db.Exec("DELETE FROM job_action_record")
		db.Exec("DELETE FROM generation_task")
		db.Exec("DELETE FROM generation_job")
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func Logger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}
