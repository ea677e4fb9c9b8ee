// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/custody/migrations"
)

// PostgresImage is the image PGContainer starts.
const PostgresImage = "postgres:16-alpine"

var gooseOnce sync.Once

// PGTest opens the database named by POSTGRES_URL, applies the embedded
// migrations, and returns the *sql.DB plus a cleanup function that
// truncates every application table.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// If POSTGRES_URL is not set, the test is skipped.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}
	return open(t, dbURL)
}

// PGContainer starts a throwaway Postgres container, migrates it, and
// returns a connection to it. The container is terminated by cleanup.
// Tests are skipped when Docker is unavailable.
func PGContainer(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := postgres.Run(ctx, PostgresImage,
		postgres.WithDatabase("custody_test"),
		postgres.WithUsername("custody"),
		postgres.WithPassword("custody"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		if ctr != nil {
			_ = testcontainers.TerminateContainer(ctr)
		}
		t.Skipf("pgcontainer: docker unavailable: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		t.Fatalf("pgcontainer: connection string: %v", err)
	}

	db, closeDB := open(t, dsn)
	return db, func() {
		closeDB()
		_ = testcontainers.TerminateContainer(ctr)
	}
}

// Migrate applies the embedded migrations to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	var err error
	gooseOnce.Do(func() {
		goose.SetBaseFS(migrations.FS)
		err = goose.SetDialect("postgres")
	})
	if err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func open(t *testing.T, dsn string) (*sql.DB, func()) {
	t.Helper()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}
	return db, cleanup
}

// truncateAll empties every application table. goose's own version table
// is left alone so later tests do not re-run migrations.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		// Table names come from pg_tables, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " RESTART IDENTITY CASCADE" // #nosec G202
		_, _ = db.ExecContext(ctx, stmt)
	}
}

// DB returns PGTest's database when POSTGRES_URL is set and a fresh
// container otherwise.
func DB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	if os.Getenv("POSTGRES_URL") != "" {
		return PGTest(t)
	}
	return PGContainer(t)
}
