package engine

import (
	"context"

	"bakeoff/internal/domain"
	"bakeoff/internal/repo"
)

func (e Engine) Balance(ctx context.Context, agentID string) (int64, error) {
	return e.Repo.Balance(ctx, e.DB, agentID)
}

// LedgerPage is a page of an agent's transactions with the running balance.
type LedgerPage struct {
	Balance      int64                `json:"balance"`
	Total        int                  `json:"total"`
	Transactions []domain.Transaction `json:"transactions"`
}

// History pages an agent's ledger, newest first, optionally filtered by type.
func (e Engine) History(ctx context.Context, agentID, txType string, limit, offset int) (LedgerPage, error) {
	if txType != "" && !domain.ValidTransactionType(txType) {
		return LedgerPage{}, invalid("unknown transaction type %q", txType)
	}
	f := repo.TransactionFilters{AgentID: agentID, Type: domain.TransactionType(txType), Limit: clampLimit(limit), Offset: max(offset, 0)}
	list, err := e.Repo.ListTransactions(ctx, f)
	if err != nil {
		return LedgerPage{}, err
	}
	total, err := e.Repo.CountTransactions(ctx, f)
	if err != nil {
		return LedgerPage{}, err
	}
	balance, err := e.Balance(ctx, agentID)
	if err != nil {
		return LedgerPage{}, err
	}
	if list == nil {
		list = []domain.Transaction{}
	}
	return LedgerPage{Balance: balance, Total: total, Transactions: list}, nil
}

// AllTransactions lists the whole ledger for administration.
func (e Engine) AllTransactions(ctx context.Context, f repo.TransactionFilters) ([]domain.Transaction, error) {
	return e.Repo.ListTransactions(ctx, f)
}

// Rates returns bounty statistics per category.
func (e Engine) Rates(ctx context.Context) ([]domain.CategoryRate, error) {
	rates, err := e.Repo.CategoryRates(ctx)
	if rates == nil {
		rates = []domain.CategoryRate{}
	}
	return rates, err
}
