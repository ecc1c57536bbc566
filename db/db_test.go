package db

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)
	// A second run must be a no-op, not an error.
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("second Migrate() = %v", err)
	}
}

func TestKVRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := SetKV(ctx, db, "test_heartbeat", "2024-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	v, err := GetKV(ctx, db, "test_heartbeat")
	if err != nil {
		t.Fatal(err)
	}
	if v != "2024-01-01T00:00:00Z" {
		t.Fatalf("GetKV = %q", v)
	}
	if v, err := GetKV(ctx, db, "never_written"); err != nil || v != "" {
		t.Fatalf("GetKV(absent) = %q, %v", v, err)
	}
}

func TestOAuthTokenRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := UpsertOAuthToken(ctx, db, "twitch-test", "access-abc", "refresh-def", expiry, "scope-a scope-b"); err != nil {
		t.Fatal(err)
	}
	access, refresh, exp, scope, err := GetOAuthToken(ctx, db, "twitch-test")
	if err != nil {
		t.Fatal(err)
	}
	if access != "access-abc" || refresh != "refresh-def" || scope != "scope-a scope-b" {
		t.Fatalf("token round trip = %q %q %q", access, refresh, scope)
	}
	if !exp.Equal(expiry) {
		t.Fatalf("expiry = %v want %v", exp, expiry)
	}
}

func TestOAuthTokenMissing(t *testing.T) {
	db := testDB(t)
	access, refresh, exp, scope, err := GetOAuthToken(context.Background(), db, "no-such-provider")
	if err != nil {
		t.Fatal(err)
	}
	if access != "" || refresh != "" || scope != "" || !exp.IsZero() {
		t.Fatalf("expected zero values, got %q %q %v %q", access, refresh, exp, scope)
	}
}
