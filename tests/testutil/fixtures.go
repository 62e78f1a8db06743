package testutil

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/iho/sagaledger/internal/app"
	"github.com/iho/sagaledger/internal/domain"
	"github.com/iho/sagaledger/internal/infrastructure/config"
	"github.com/iho/sagaledger/internal/infrastructure/postgres"
	"github.com/iho/sagaledger/internal/usecase"
)

// Actor performs every fixture write.
var Actor = domain.Actor{ID: "integration", IP: "127.0.0.1"}

// TestDB provides a migrated database and the app wired onto it.
type TestDB struct {
	Pool *pgxpool.Pool
	App  *app.App
	t    *testing.T
}

// NewTestDB connects to DATABASE_URL, migrates it and wires the app. The test
// is skipped when DATABASE_URL is unset or -short is given.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test")
	}
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}

	if err := postgres.RunMigrations(dbURL, migrationsPath(t)); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := &config.Config{
		StoreBackend:       config.StorePostgres,
		ComplianceBackend:  config.CompliancePostgres,
		BankGateway:        config.BankGatewayLog,
		DatabaseURL:        dbURL,
		DatabaseMaxConns:   20,
		OutboxBatchSize:    50,
		OutboxLease:        30 * time.Second,
		OutboxMaxAttempts:  5,
		SagaDefaultTimeout: time.Hour,
		MonitorStaleAfter:  5 * time.Minute,
		MonitorBatchSize:   100,
	}
	a, err := app.New(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), app.Options{})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	db := &TestDB{Pool: a.Pool, App: a, t: t}
	t.Cleanup(db.Cleanup)
	return db
}

// migrationsPath finds the migrations directory from the package under test.
func migrationsPath(t *testing.T) string {
	t.Helper()
	for _, p := range []string{"migrations", "../migrations", "../../migrations"} {
		if _, err := os.Stat(p); err == nil {
			abs, err := filepath.Abs(p)
			if err != nil {
				t.Fatalf("resolve migrations path: %v", err)
			}
			return abs
		}
	}
	t.Fatalf("migrations directory not found")
	return ""
}

// Cleanup closes the database connection.
func (db *TestDB) Cleanup() {
	db.App.Close()
}

// TruncateAll removes all data from tables.
func (db *TestDB) TruncateAll(ctx context.Context) {
	db.t.Helper()

	_, err := db.Pool.Exec(ctx, `
		TRUNCATE TABLE
			journal_postings, journal_entries,
			dimensional_balances, account_balances, accounts,
			event_outbox, saga_state, audit_logs,
			compliance_rules, sweep_authorizations
		CASCADE;
	`)
	if err != nil {
		db.t.Fatalf("failed to truncate tables: %v", err)
	}
}

// CreateTestAccount creates an account of kind with a zero balance.
func (db *TestDB) CreateTestAccount(ctx context.Context, kind domain.AccountKind, allowNegative bool) *domain.Account {
	db.t.Helper()

	account, err := db.App.Accounts.CreateAccount(ctx, usecase.CreateAccountInput{
		ID:                   GenerateID(),
		OrganizationID:       "org-1",
		Name:                 string(kind),
		Kind:                 kind,
		Currency:             "USD",
		AllowNegativeBalance: allowNegative,
	})
	if err != nil {
		db.t.Fatalf("failed to create test account: %v", err)
	}
	return account
}

// Fund moves amount into accountID from a fresh cash account.
func (db *TestDB) Fund(ctx context.Context, accountID string, amount decimal.Decimal, dims domain.Dimensions) *domain.JournalEntry {
	db.t.Helper()

	cash := db.CreateTestAccount(ctx, domain.AccountKindCash, true)
	result, err := db.App.Ledger.CreateEntry(ctx, usecase.CreateEntryInput{
		OrganizationID: "org-1",
		Description:    "funding",
		Postings: []domain.PostingInput{
			{AccountID: accountID, Amount: amount, Dimensions: dims},
			{AccountID: cash.ID, Amount: amount.Neg()},
		},
		Actor: Actor,
	})
	if err != nil {
		db.t.Fatalf("failed to fund account: %v", err)
	}
	return result.Entry
}

// GenerateID generates a new ULID.
func GenerateID() string {
	return ulid.Make().String()
}
