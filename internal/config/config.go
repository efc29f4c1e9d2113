package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ivol-labs/dvp-engine/internal/wadmath"
)

// Application configuration, loaded from environment variables at startup by
// LoadConfig. The daemon loads a .env file first, so local runs only need
// that file.
var (
	// BaseSymbol and BaseDecimals describe the denomination token (the
	// stable leg, typically 6 decimals).
	BaseSymbol   string
	BaseDecimals uint8

	// SideSymbol and SideDecimals describe the risky leg.
	SideSymbol   string
	SideDecimals uint8

	// EpochFrequency is the roll cadence: "daily", "weekly" or a Go
	// duration string for custom schedules.
	EpochFrequency time.Duration

	// MinDeposit and MaxDeposit bound vault deposits in base-token units.
	MinDeposit wadmath.Dec
	MaxDeposit wadmath.Dec

	// FeeRate is the proportional fee on premiums and payoffs.
	FeeRate wadmath.Dec

	// SigmaUtilizationFactor, SigmaTimeDecay and SigmaRangeFactor are the
	// volatility surface knobs.
	SigmaUtilizationFactor wadmath.Dec
	SigmaTimeDecay         wadmath.Dec
	SigmaRangeFactor       wadmath.Dec

	// OracleMaxDelay is the staleness bound on feed values; zero disables
	// the check (simulation mode).
	OracleMaxDelay time.Duration

	// ExchangeSpread is the simulated venue's proportional execution cost.
	ExchangeSpread wadmath.Dec

	// InitialPrice, InitialVolatility and RiskFreeRate seed the static feed
	// in simulation mode.
	InitialPrice      wadmath.Dec
	InitialVolatility wadmath.Dec
	RiskFreeRate      wadmath.Dec

	// WebServerPort is the dashboard/API listen port.
	WebServerPort int
)

// LoadConfig loads configuration from environment variables and sets the
// global config vars. All variables are required unless noted.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	BaseSymbol, err = getEnv("DVP_BASE_SYMBOL")
	if err != nil {
		return err
	}
	BaseDecimals, err = getEnvAsDecimals("DVP_BASE_DECIMALS")
	if err != nil {
		return err
	}
	SideSymbol, err = getEnv("DVP_SIDE_SYMBOL")
	if err != nil {
		return err
	}
	SideDecimals, err = getEnvAsDecimals("DVP_SIDE_DECIMALS")
	if err != nil {
		return err
	}

	EpochFrequency, err = getEnvAsFrequency("DVP_EPOCH_FREQUENCY")
	if err != nil {
		return err
	}

	MinDeposit, err = getEnvAsDec("DVP_MIN_DEPOSIT")
	if err != nil {
		return err
	}
	MaxDeposit, err = getEnvAsDec("DVP_MAX_DEPOSIT")
	if err != nil {
		return err
	}
	FeeRate, err = getEnvAsDec("DVP_FEE_RATE")
	if err != nil {
		return err
	}

	SigmaUtilizationFactor, err = getEnvAsDec("DVP_SIGMA_UTILIZATION_FACTOR")
	if err != nil {
		return err
	}
	SigmaTimeDecay, err = getEnvAsDec("DVP_SIGMA_TIME_DECAY")
	if err != nil {
		return err
	}
	SigmaRangeFactor, err = getEnvAsDec("DVP_SIGMA_RANGE_FACTOR")
	if err != nil {
		return err
	}

	OracleMaxDelay, err = getEnvAsDuration("DVP_ORACLE_MAX_DELAY")
	if err != nil {
		return err
	}
	ExchangeSpread, err = getEnvAsDec("DVP_EXCHANGE_SPREAD")
	if err != nil {
		return err
	}
	InitialPrice, err = getEnvAsDec("DVP_INITIAL_PRICE")
	if err != nil {
		return err
	}
	InitialVolatility, err = getEnvAsDec("DVP_INITIAL_VOLATILITY")
	if err != nil {
		return err
	}
	RiskFreeRate, err = getEnvAsDec("DVP_RISK_FREE_RATE")
	if err != nil {
		return err
	}

	WebServerPort, err = getEnvAsInt("DVP_WEB_PORT")
	if err != nil {
		return err
	}

	// Load database configuration
	if err := loadDatabaseConfig(); err != nil {
		return err
	}

	log.Debug().
		Str("BaseSymbol", BaseSymbol).
		Str("SideSymbol", SideSymbol).
		Dur("EpochFrequency", EpochFrequency).
		Str("FeeRate", FeeRate.String()).
		Msg("Configuration loaded successfully.")

	return nil
}

// getEnvAsFrequency parses the epoch cadence: the "daily"/"weekly" aliases
// or any Go duration string.
func getEnvAsFrequency(key string) (time.Duration, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	switch strings.ToLower(valueStr) {
	case "daily":
		return 24 * time.Hour, nil
	case "weekly":
		return 7 * 24 * time.Hour, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value <= 0 {
		return 0, errors.New("environment variable " + key +
			" must be daily, weekly or a positive duration, got: " + valueStr)
	}
	return value, nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvAsInt retrieves an environment variable as an int. Returns error if not set or invalid.
func getEnvAsInt(key string) (int, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid int, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsDecimals retrieves an environment variable as a token decimal
// count (0-18).
func getEnvAsDecimals(key string) (uint8, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(valueStr, 10, 8)
	if err != nil || value > 18 {
		return 0, errors.New("environment variable " + key + " must be a decimal count in 0..18, got: " + valueStr)
	}
	return uint8(value), nil
}

// getEnvAsDec retrieves an environment variable as an 18-decimal fixed-point value.
func getEnvAsDec(key string) (wadmath.Dec, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return wadmath.Zero(), err
	}
	value, err := wadmath.NewFromStr(valueStr)
	if err != nil {
		return wadmath.Zero(), errors.New("environment variable " + key + " must be a valid decimal, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsDuration retrieves an environment variable as a Go duration.
func getEnvAsDuration(key string) (time.Duration, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid duration, got: " + valueStr)
	}
	return value, nil
}
