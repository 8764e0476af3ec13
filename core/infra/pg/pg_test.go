package pg

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestMigrateAppliesInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS a")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS b")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err = Migrate(context.Background(), db,
		Migration{Name: "a", SQL: "CREATE TABLE IF NOT EXISTS a (id TEXT)"},
		Migration{Name: "b", SQL: "CREATE TABLE IF NOT EXISTS b (id TEXT)"},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMigrateRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err = Migrate(context.Background(), db, Migration{Name: "broken", SQL: "CREATE TABLE x (id TEXT)"})
	if err == nil || !regexp.MustCompile(`migration broken`).MatchString(err.Error()) {
		t.Fatalf("expected named migration error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMigrateNothing(t *testing.T) {
	if err := Migrate(context.Background(), nil); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestOpenRequiresURL(t *testing.T) {
	if _, err := Open(context.Background(), "  ", DefaultOptions()); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
