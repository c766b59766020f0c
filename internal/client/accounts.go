package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Account identifies one portfolio account.
type Account struct {
	AccountID      string `json:"accountId"`
	AccountVan     string `json:"accountVan"`
	AccountTitle   string `json:"accountTitle"`
	Currency       string `json:"currency"`
	Type           string `json:"type"`
	TradingType    string `json:"tradingType"`
	BusinessType   string `json:"businessType"`
	PrepaidCrypto  bool   `json:"prepaidCrypto"`
	ParentAccount  string `json:"parent"`
	ClearingStatus string `json:"clearingStatus"`
}

// AccountSummary contains the money fields of one account.
type AccountSummary struct {
	AccountID          string
	Currency           string
	NetLiquidation     decimal.Decimal
	TotalCashValue     decimal.Decimal
	BuyingPower        decimal.Decimal
	AvailableFunds     decimal.Decimal
	ExcessLiquidity    decimal.Decimal
	GrossPositionValue decimal.Decimal
	InitMarginReq      decimal.Decimal
	MaintMarginReq     decimal.Decimal
	LastUpdated        time.Time
}

// summaryField is one tag of the summary wire shape.
type summaryField struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// Position represents one portfolio position.
type Position struct {
	ConID         int64           `json:"conid"`
	ContractDesc  string          `json:"contractDesc"`
	AssetClass    string          `json:"assetClass"`
	Position      decimal.Decimal `json:"position"`
	MktPrice      decimal.Decimal `json:"mktPrice"`
	MktValue      decimal.Decimal `json:"mktValue"`
	AvgCost       decimal.Decimal `json:"avgCost"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	Currency      string          `json:"currency"`
}

// Transaction represents one account transaction.
type Transaction struct {
	Date        string          `json:"date"`
	Currency    string          `json:"cur"`
	Type        string          `json:"type"`
	Description string          `json:"desc"`
	Amount      decimal.Decimal `json:"amt"`
	Price       decimal.Decimal `json:"pr"`
	Quantity    decimal.Decimal `json:"qty"`
	ConID       int64           `json:"conid"`
}

// transactionsResponse is the pa/transactions wire shape.
type transactionsResponse struct {
	Transactions []Transaction `json:"transactions"`
	Currency     string        `json:"currency"`
	ID           string        `json:"id"`
}

// Accounts lists the portfolio accounts visible to the consumer.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := c.do(ctx, http.MethodGet, pathAccounts, nil, nil, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// AccountSummary fetches the money fields for one account. Results are
// cached briefly since the server recomputes them slowly.
func (c *Client) AccountSummary(ctx context.Context, accountID string) (*AccountSummary, error) {
	if cached, ok := c.summaries.Get(accountID); ok {
		c.metrics.RecordCacheLookup(true)
		return &cached, nil
	}
	c.metrics.RecordCacheLookup(false)

	var raw map[string]summaryField
	path := fmt.Sprintf(pathSummary, accountID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &raw); err != nil {
		return nil, err
	}

	summary := AccountSummary{
		AccountID:   accountID,
		LastUpdated: time.Now(),
	}
	for tag, field := range raw {
		if summary.Currency == "" && field.Currency != "" {
			summary.Currency = field.Currency
		}
		switch tag {
		case "netliquidation":
			summary.NetLiquidation = field.Amount
		case "totalcashvalue":
			summary.TotalCashValue = field.Amount
		case "buyingpower":
			summary.BuyingPower = field.Amount
		case "availablefunds":
			summary.AvailableFunds = field.Amount
		case "excessliquidity":
			summary.ExcessLiquidity = field.Amount
		case "grosspositionvalue":
			summary.GrossPositionValue = field.Amount
		case "initmarginreq":
			summary.InitMarginReq = field.Amount
		case "maintmarginreq":
			summary.MaintMarginReq = field.Amount
		}
	}

	c.summaries.Set(accountID, summary)
	return &summary, nil
}

// Positions fetches one page of positions for an account. Page numbering
// starts at 0; a short page means no further pages exist.
func (c *Client) Positions(ctx context.Context, accountID string, page int) ([]Position, error) {
	key := fmt.Sprintf("%s/%d", accountID, page)
	if cached, ok := c.positions.Get(key); ok {
		c.metrics.RecordCacheLookup(true)
		return cached, nil
	}
	c.metrics.RecordCacheLookup(false)

	var positions []Position
	path := fmt.Sprintf(pathPositions, accountID, page)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &positions); err != nil {
		return nil, err
	}

	c.positions.Set(key, positions)
	return positions, nil
}

// Transactions fetches transaction history for the given contracts over the
// trailing number of days.
func (c *Client) Transactions(ctx context.Context, accountID string, conIDs []int64, days int) ([]Transaction, error) {
	ids := make([]any, len(conIDs))
	for i, id := range conIDs {
		ids[i] = id
	}
	body := map[string]any{
		"acctIds":  []any{accountID},
		"conids":   ids,
		"currency": "USD",
		"days":     days,
	}

	var resp transactionsResponse
	if err := c.do(ctx, http.MethodPost, pathTransactions, nil, body, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}
