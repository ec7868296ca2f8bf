package escrow

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		txn    Transaction
		amount string
		fee    string
		payout string
	)
	err := row.Scan(
		&txn.ID,
		&txn.MilestoneID,
		&txn.ProjectID,
		&txn.DeveloperID,
		&txn.GatewayRef,
		&amount,
		&fee,
		&payout,
		&txn.Status,
		&txn.HeldAt,
		&txn.ReleasedAt,
		&txn.RefundedAt,
		&txn.FailedAt,
		&txn.CreatedAt,
	)
	if err != nil {
		return Transaction{}, err
	}

	if txn.Amount, err = decimal.NewFromString(amount); err != nil {
		return Transaction{}, fmt.Errorf("escrow: parse amount %q: %w", amount, err)
	}
	if txn.PlatformFee, err = decimal.NewFromString(fee); err != nil {
		return Transaction{}, fmt.Errorf("escrow: parse platform fee %q: %w", fee, err)
	}
	if txn.DeveloperPayout, err = decimal.NewFromString(payout); err != nil {
		return Transaction{}, fmt.Errorf("escrow: parse payout %q: %w", payout, err)
	}
	return txn, nil
}
