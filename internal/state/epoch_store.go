package state

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// EpochSnapshot is one roll's history row. Monetary columns carry Wad string
// representations so no precision is lost through the driver.
type EpochSnapshot struct {
	EpochStart         time.Time `json:"epochStart"`
	EpochEnd           time.Time `json:"epochEnd"`
	SharePrice         string    `json:"sharePrice"`
	MintedShares       string    `json:"mintedShares"`
	LockedLiquidity    string    `json:"lockedLiquidity"`
	PendingWithdrawals string    `json:"pendingWithdrawals"`
	PendingPayoffs     string    `json:"pendingPayoffs"`
	ResidualPayoff     string    `json:"residualPayoff"`
	NotionalBefore     string    `json:"notionalBefore"`
	NotionalAfter      string    `json:"notionalAfter"`
	Dead               bool      `json:"dead"`
}

// TradeRecord is one mint or burn row in the trade log.
type TradeRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"` // "mint" or "burn"
	Account    string    `json:"account"`
	Strike     string    `json:"strike"`
	Epoch      time.Time `json:"epoch"`
	AmountUp   string    `json:"amountUp"`
	AmountDown string    `json:"amountDown"`
	Premium    string    `json:"premium"`
	Fee        string    `json:"fee"`
}

// SaveEpochSnapshot saves a roll's snapshot. Rolls for an epoch boundary are
// unique; replaying the same boundary is an error.
func SaveEpochSnapshot(snapshot EpochSnapshot) (int64, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	query := `
		INSERT INTO epoch_snapshots (
			epoch_start, epoch_end,
			share_price, minted_shares, locked_liquidity,
			pending_withdrawals, pending_payoffs, residual_payoff,
			notional_before, notional_after, dead
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING snapshot_id;
	`

	var snapshotID int64
	err := DB.QueryRow(
		query,
		snapshot.EpochStart, snapshot.EpochEnd,
		snapshot.SharePrice, snapshot.MintedShares, snapshot.LockedLiquidity,
		snapshot.PendingWithdrawals, snapshot.PendingPayoffs, snapshot.ResidualPayoff,
		snapshot.NotionalBefore, snapshot.NotionalAfter, snapshot.Dead,
	).Scan(&snapshotID)
	if err != nil {
		return 0, fmt.Errorf("failed to save epoch snapshot: %w", err)
	}

	log.Info().
		Int64("snapshot_id", snapshotID).
		Time("epoch_end", snapshot.EpochEnd).
		Str("share_price", snapshot.SharePrice).
		Msg("Epoch snapshot saved to database")
	return snapshotID, nil
}

// LatestEpochSnapshots returns the most recent snapshots, newest first.
func LatestEpochSnapshots(limit int) ([]EpochSnapshot, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := DB.Query(`
		SELECT epoch_start, epoch_end,
		       share_price, minted_shares, locked_liquidity,
		       pending_withdrawals, pending_payoffs, residual_payoff,
		       notional_before, notional_after, dead
		FROM epoch_snapshots
		ORDER BY epoch_end DESC
		LIMIT $1;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query epoch snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []EpochSnapshot
	for rows.Next() {
		var s EpochSnapshot
		if err := rows.Scan(
			&s.EpochStart, &s.EpochEnd,
			&s.SharePrice, &s.MintedShares, &s.LockedLiquidity,
			&s.PendingWithdrawals, &s.PendingPayoffs, &s.ResidualPayoff,
			&s.NotionalBefore, &s.NotionalAfter, &s.Dead,
		); err != nil {
			return nil, fmt.Errorf("failed to scan epoch snapshot: %w", err)
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

// SaveTradeRecord appends one mint/burn row to the trade log.
func SaveTradeRecord(trade TradeRecord) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	_, err := DB.Exec(`
		INSERT INTO trade_log (
			trade_timestamp, action, account, strike, epoch,
			amount_up, amount_down, premium, fee
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`,
		trade.Timestamp, trade.Action, trade.Account, trade.Strike, trade.Epoch,
		trade.AmountUp, trade.AmountDown, trade.Premium, trade.Fee,
	)
	if err != nil {
		return fmt.Errorf("failed to save trade record: %w", err)
	}
	return nil
}
