package sessions

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("expected embedded migrations")
	}
	first := migrations[0]
	if first.ID != "0001_init" {
		t.Fatalf("expected first migration 0001_init, got %q", first.ID)
	}
	for _, table := range []string{"users", "conversations", "messages", "goals"} {
		if !strings.Contains(first.UpSQL, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("expected %s table in up migration", table)
		}
	}
	if strings.Count(first.UpSQL, "ON DELETE CASCADE") < 3 {
		t.Fatalf("expected cascading foreign keys")
	}
	if !strings.Contains(first.DownSQL, "DROP TABLE IF EXISTS users") {
		t.Fatalf("expected down migration to drop users")
	}
}

func TestMigratorUp(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, applied_at FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "applied_at"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs("0001_init").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := Migrate(context.Background(), db)
	if err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if len(applied) != 1 || applied[0] != "0001_init" {
		t.Fatalf("unexpected applied migrations: %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMigratorUpSkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, applied_at FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "applied_at"}).AddRow("0001_init", time.Now()))

	migrator, err := NewMigrator(db)
	if err != nil {
		t.Fatalf("NewMigrator() error = %v", err)
	}
	applied, err := migrator.Up(context.Background(), 0)
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing to apply, got %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMigratorDown(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, applied_at FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "applied_at"}).AddRow("0001_init", time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec("DROP TABLE IF EXISTS goals").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM schema_migrations").WithArgs("0001_init").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	migrator, err := NewMigrator(db)
	if err != nil {
		t.Fatalf("NewMigrator() error = %v", err)
	}
	rolled, err := migrator.Down(context.Background(), 5)
	if err != nil {
		t.Fatalf("Down() error = %v", err)
	}
	if len(rolled) != 1 || rolled[0] != "0001_init" {
		t.Fatalf("unexpected rolled back migrations: %v", rolled)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNewMigratorRequiresDB(t *testing.T) {
	if _, err := NewMigrator(nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}
