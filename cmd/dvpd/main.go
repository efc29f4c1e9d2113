package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/ivol-labs/dvp-engine/internal/config"
	"github.com/ivol-labs/dvp-engine/internal/dvp"
	"github.com/ivol-labs/dvp-engine/internal/epoch"
	"github.com/ivol-labs/dvp-engine/internal/exchange"
	"github.com/ivol-labs/dvp-engine/internal/logger"
	"github.com/ivol-labs/dvp-engine/internal/metrics"
	"github.com/ivol-labs/dvp-engine/internal/oracle"
	"github.com/ivol-labs/dvp-engine/internal/pricing"
	"github.com/ivol-labs/dvp-engine/internal/state"
	"github.com/ivol-labs/dvp-engine/internal/token"
	"github.com/ivol-labs/dvp-engine/internal/vault"
	"github.com/ivol-labs/dvp-engine/internal/web"
	"github.com/ivol-labs/dvp-engine/internal/wadmath"
)

// ROLL_RETRY_INTERVAL is how long the loop waits before retrying a failed roll.
const ROLL_RETRY_INTERVAL = 30 * time.Second

// main is the entry point for the DVP engine daemon.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(os.Getenv("LOG_LEVEL"))
	log.Info().Msg("DVP Engine Starting...")

	if config.DBEnabled {
		dbCfg := state.DBConfig{
			Host: config.DBHost, Port: config.DBPort,
			User: config.DBUser, Password: config.DBPassword,
			DBName: config.DBName, SSLMode: config.DBSSLMode,
		}
		if err := state.InitDB(dbCfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize database")
		}
		defer state.CloseDB()
		if err := state.EnsureSchema(); err != nil {
			log.Fatal().Err(err).Msg("Failed to ensure database schema")
		}
	} else {
		log.Warn().Msg("Epoch history persistence is disabled (DVP_DB_ENABLED=false)")
	}

	// --- 2. Market Wiring (with Safety Switch) ---
	// Only simulation mode ships in this binary: the oracle, the swap venue
	// and the token ledgers are all in-process. A live deployment plugs real
	// adapters into the same interfaces.
	if os.Getenv("DVP_MODE") != "sim" {
		log.Fatal().Msg("DVP_MODE is not set to 'sim'. No live market adapters are configured in this build; set DVP_MODE=sim to run.")
	}

	feed := oracle.NewStatic(config.OracleMaxDelay)
	if err := feed.SetPrice(config.SideSymbol, config.BaseSymbol, config.InitialPrice); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed oracle price")
	}
	feed.SetImpliedVolatility(config.InitialVolatility)
	feed.SetRiskFreeRate(config.RiskFreeRate)

	base := token.NewMemLedger(config.BaseSymbol, config.BaseDecimals)
	side := token.NewMemLedger(config.SideSymbol, config.SideDecimals)
	shares := token.NewMemLedger("iv"+config.BaseSymbol, 18)
	venue := exchange.NewSimulated(feed, config.ExchangeSpread, base, side)

	// --- 3. Engine Wiring ---
	clock, err := epoch.NewClock(config.EpochFrequency, time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create epoch clock")
	}

	v := vault.New(clock, feed, venue, base, side, shares, vault.Config{
		Account:    "vault",
		MinDeposit: config.MinDeposit,
		MaxDeposit: config.MaxDeposit,
	})
	model := pricing.NewModel(clock, feed, config.BaseSymbol, config.SideSymbol, pricing.VolatilityParams{
		UtilizationFactor: config.SigmaUtilizationFactor,
		TimeDecay:         config.SigmaTimeDecay,
		RangeFactor:       config.SigmaRangeFactor,
	}, config.FeeRate)
	engine := dvp.New("dvp-engine", clock, model, v)
	v.SetOptionsEngine(engine.Account())

	seedDeposit(v, base)

	// --- 4. Web Server ---
	webServer := web.NewWebServer(strconv.Itoa(config.WebServerPort), v, engine, config.DBEnabled)
	go func() {
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed to start")
		}
	}()

	// --- 5. Roll Loop ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Dur("frequency", config.EpochFrequency).
		Time("firstBoundary", clock.Current()).
		Msg("Starting epoch roll loop")
	runLoop(ctx, engine, v, clock)
	log.Info().Msg("DVP Engine shut down.")
}

// seedDeposit funds an initial LP position in simulation mode so the first
// roll locks real liquidity. Controlled by DVP_SIM_SEED_DEPOSIT (base units).
func seedDeposit(v *vault.Vault, base *token.MemLedger) {
	seedStr := os.Getenv("DVP_SIM_SEED_DEPOSIT")
	if seedStr == "" {
		return
	}
	units, err := strconv.ParseInt(seedStr, 10, 64)
	if err != nil || units <= 0 {
		log.Fatal().Str("value", seedStr).Msg("DVP_SIM_SEED_DEPOSIT must be a positive integer")
	}
	raw := sdkmath.NewIntWithDecimal(units, int(base.Decimals()))
	if err := base.Mint("seed-lp", raw); err != nil {
		log.Fatal().Err(err).Msg("Failed to mint seed balance")
	}
	if err := v.Deposit(time.Now(), "seed-lp", raw); err != nil {
		log.Fatal().Err(err).Msg("Failed to queue seed deposit")
	}
	log.Info().Int64("units", units).Msg("Seed deposit queued for first roll")
}

// runLoop sleeps until each epoch boundary and rolls the protocol, updating
// metrics and persisting the snapshot after every successful roll.
func runLoop(ctx context.Context, engine *dvp.Engine, v *vault.Vault, clock *epoch.Clock) {
	for {
		wait, err := clock.TimeToNext(time.Now())
		if err != nil {
			// Boundary already passed (missed roll or failed attempt).
			wait = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait + time.Second):
		}

		result, err := engine.RollEpoch(time.Now())
		if err != nil {
			metrics.RollFailures.Inc()
			log.Error().Err(err).Msg("Epoch roll failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(ROLL_RETRY_INTERVAL):
			}
			continue
		}

		metrics.EpochRolls.Inc()
		updateGauges(result, v, engine)
		persistSnapshot(result, clock)

		if result.Vault.Dead {
			log.Warn().Msg("Vault is dead, stopping roll loop")
			return
		}
	}
}

func updateGauges(result dvp.RollResult, v *vault.Vault, engine *dvp.Engine) {
	if f, err := wadmath.ToFloat(result.Vault.SharePrice); err == nil {
		metrics.SharePrice.Set(f)
	}
	if f, err := wadmath.ToFloat(result.Vault.LockedLiquidity); err == nil {
		metrics.LockedLiquidity.Set(f)
	}
	if notional, err := v.Notional(); err == nil {
		if f, err := wadmath.ToFloat(notional); err == nil {
			metrics.VaultNotional.Set(f)
		}
	}
	if ur, err := engine.Utilization(); err == nil {
		if f, err := wadmath.ToFloat(ur); err == nil {
			metrics.Utilization.Set(f)
		}
	}
}

// persistSnapshot writes the roll's history row. Best effort: failures are
// logged and never block the loop.
func persistSnapshot(result dvp.RollResult, clock *epoch.Clock) {
	if !config.DBEnabled {
		return
	}
	snapshot := state.EpochSnapshot{
		EpochStart:         result.Vault.Epoch.Add(-clock.Frequency()),
		EpochEnd:           result.Vault.Epoch,
		SharePrice:         result.Vault.SharePrice.String(),
		MintedShares:       result.Vault.MintedShares.String(),
		LockedLiquidity:    result.Vault.LockedLiquidity.String(),
		PendingWithdrawals: result.Vault.PendingWithdrawals.String(),
		PendingPayoffs:     result.Vault.PendingPayoffs.String(),
		ResidualPayoff:     result.ResidualPayoff.String(),
		NotionalBefore:     result.Vault.NotionalBefore.String(),
		NotionalAfter:      result.Vault.NotionalAfter.String(),
		Dead:               result.Vault.Dead,
	}
	if _, err := state.SaveEpochSnapshot(snapshot); err != nil {
		log.Error().Err(err).Str("trace", result.Trace).Msg("Failed to persist epoch snapshot")
	}
}
