package pgutil

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"

	"github.com/chainsafe/offramp-middleware/pkg/config"
)

const (
	testImage    = "postgres:15-alpine"
	testDatabase = "offramp_test"
	testUser     = "offramp"
	testPassword = "offramp"
)

// SetupTestDB starts a throwaway PostgreSQL container and connects to it.
// The returned cleanup closes the connection and terminates the container.
func SetupTestDB(t *testing.T) (*bun.DB, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, testImage,
		postgres.WithDatabase(testDatabase),
		postgres.WithUsername(testUser),
		postgres.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	terminate := func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	host, err := container.Host(ctx)
	if err != nil {
		terminate()
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		terminate()
		t.Fatalf("failed to get container port: %v", err)
	}

	db, err := connectWithRetry(&config.DatabaseConfig{
		Host:     host,
		Port:     port.Int(),
		User:     testUser,
		Password: testPassword,
		Database: testDatabase,
		SSLMode:  "disable",
	}, 10)
	if err != nil {
		terminate()
		t.Fatalf("failed to connect to test database: %v", err)
	}

	return db, func() {
		_ = db.Close()
		terminate()
	}
}

// connectWithRetry backs off 100ms, 200ms, 400ms... between attempts.
func connectWithRetry(cfg *config.DatabaseConfig, attempts int) (*bun.DB, error) {
	var err error
	for i := 0; i < attempts; i++ {
		var db *bun.DB
		if db, err = ConnectDB(cfg); err == nil {
			return db, nil
		}
		time.Sleep(time.Duration(100<<uint(i)) * time.Millisecond)
	}
	return nil, err
}

func queryExists(t *testing.T, db *bun.DB, expr string, args ...any) bool {
	t.Helper()
	var exists bool
	if err := db.NewSelect().ColumnExpr(expr, args...).Scan(context.Background(), &exists); err != nil {
		t.Fatalf("existence check failed: %v", err)
	}
	return exists
}

func tableExists(t *testing.T, db *bun.DB, table string) bool {
	t.Helper()
	return queryExists(t, db,
		"EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = ?)", table)
}

// AssertTableExists fails the test when the table is missing
func AssertTableExists(t *testing.T, db *bun.DB, table string) {
	t.Helper()
	if !tableExists(t, db, table) {
		t.Errorf("table %s does not exist", table)
	}
}

// AssertTableNotExists fails the test when the table is present
func AssertTableNotExists(t *testing.T, db *bun.DB, table string) {
	t.Helper()
	if tableExists(t, db, table) {
		t.Errorf("table %s should not exist but it does", table)
	}
}

// AssertIndexExists fails the test when the index is missing
func AssertIndexExists(t *testing.T, db *bun.DB, index string) {
	t.Helper()
	if !queryExists(t, db, "EXISTS (SELECT 1 FROM pg_indexes WHERE schemaname = 'public' AND indexname = ?)", index) {
		t.Errorf("index %s does not exist", index)
	}
}

// AssertRowCount fails the test when the table does not hold exactly want rows
func AssertRowCount(t *testing.T, db *bun.DB, table string, want int) {
	t.Helper()
	var got int
	err := db.NewSelect().
		TableExpr("?", bun.Ident(table)).
		ColumnExpr("COUNT(*)").
		Scan(context.Background(), &got)
	if err != nil {
		t.Fatalf("failed to count rows in %s: %v", table, err)
	}
	if got != want {
		t.Errorf("table %s: expected %d rows, got %d", table, want, got)
	}
}
