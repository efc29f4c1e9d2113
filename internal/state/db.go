// Package state persists epoch history to PostgreSQL: one snapshot row per
// roll, the share price series, and a trade log. Persistence is best effort;
// a database failure is logged and never blocks a roll or a trade.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// DB is a global database connection pool.
var DB *sql.DB

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// InitDB initializes the database connection pool.
func InitDB(cfg DBConfig) error {
	psqlInfo := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	var err error
	DB, err = sql.Open("postgres", psqlInfo)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	DB.SetMaxOpenConns(25)
	DB.SetMaxIdleConns(25)
	DB.SetConnMaxLifetime(5 * time.Minute)

	err = DB.Ping()
	if err != nil {
		DB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Successfully connected to the PostgreSQL database!")
	return nil
}

// CloseDB closes the database connection pool.
func CloseDB() {
	if DB != nil {
		log.Info().Msg("Closing database connection...")
		if err := DB.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database connection")
		}
	}
}

// EnsureSchema applies the necessary DDL to create tables if they don't exist.
func EnsureSchema() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	schemaSQL := `
		CREATE TABLE IF NOT EXISTS epoch_snapshots (
			snapshot_id SERIAL PRIMARY KEY,
			snapshot_timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			epoch_start TIMESTAMPTZ NOT NULL,
			epoch_end TIMESTAMPTZ NOT NULL,

			share_price DECIMAL(40, 18) NOT NULL,
			minted_shares DECIMAL(40, 18) NOT NULL,
			locked_liquidity DECIMAL(40, 18) NOT NULL,
			pending_withdrawals DECIMAL(40, 18) NOT NULL,
			pending_payoffs DECIMAL(40, 18) NOT NULL,
			residual_payoff DECIMAL(40, 18) NOT NULL,
			notional_before DECIMAL(40, 18) NOT NULL,
			notional_after DECIMAL(40, 18) NOT NULL,
			dead BOOLEAN NOT NULL DEFAULT FALSE,

			CONSTRAINT uq_epoch_snapshots_epoch UNIQUE (epoch_end)
		);
		CREATE INDEX IF NOT EXISTS idx_epoch_snapshots_epoch_end ON epoch_snapshots(epoch_end DESC);

		CREATE TABLE IF NOT EXISTS trade_log (
			trade_id SERIAL PRIMARY KEY,
			trade_timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			action VARCHAR(10) NOT NULL,
			account VARCHAR(255) NOT NULL,
			strike DECIMAL(40, 18) NOT NULL,
			epoch TIMESTAMPTZ NOT NULL,
			amount_up DECIMAL(40, 18) NOT NULL,
			amount_down DECIMAL(40, 18) NOT NULL,
			premium DECIMAL(40, 18) NOT NULL,
			fee DECIMAL(40, 18) NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trade_log_timestamp ON trade_log(trade_timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_trade_log_account ON trade_log(account);
		CREATE INDEX IF NOT EXISTS idx_trade_log_epoch ON trade_log(epoch DESC);
	`
	_, err := DB.Exec(schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	log.Info().Msg("Database schema ensured.")
	return nil
}

// TestDBConnection tests if the database connection is healthy
func TestDBConnection() error {
	if DB == nil {
		return fmt.Errorf("database connection is nil")
	}

	// Use a short timeout context for health checks
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := DB.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}
