package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionCode is the SEC Form 4 transaction code
type TransactionCode string

const (
	CodePurchase              TransactionCode = "P"
	CodeSale                  TransactionCode = "S"
	CodeVoluntary             TransactionCode = "V"
	CodeGrant                 TransactionCode = "A"
	CodeDispositionToIssuer   TransactionCode = "D"
	CodeTaxWithholding        TransactionCode = "F"
	CodeDiscretionary         TransactionCode = "I"
	CodeOptionExercise        TransactionCode = "M"
	CodeConversion            TransactionCode = "C"
	CodeExpirationShort       TransactionCode = "E"
	CodeExpirationLong        TransactionCode = "H"
	CodeOutOfTheMoneyExercise TransactionCode = "O"
	CodeInTheMoneyExercise    TransactionCode = "X"
	CodeGift                  TransactionCode = "G"
	CodeSmallAcquisition      TransactionCode = "L"
	CodeWillOrDescent         TransactionCode = "W"
	CodeTrustDeposit          TransactionCode = "Z"
	CodeOther                 TransactionCode = "J"
	CodeEquitySwap            TransactionCode = "K"
	CodeTenderOffer           TransactionCode = "U"
)

var transactionCodeDescriptions = map[TransactionCode]string{
	CodePurchase:              "Open market or private purchase",
	CodeSale:                  "Open market or private sale",
	CodeVoluntary:             "Transaction voluntarily reported earlier than required",
	CodeGrant:                 "Grant, award or other acquisition",
	CodeDispositionToIssuer:   "Disposition to the issuer",
	CodeTaxWithholding:        "Payment of exercise price or tax liability",
	CodeDiscretionary:         "Discretionary transaction",
	CodeOptionExercise:        "Exercise or conversion of derivative security",
	CodeConversion:            "Conversion of derivative security",
	CodeExpirationShort:       "Expiration of short derivative position",
	CodeExpirationLong:        "Expiration of long derivative position",
	CodeOutOfTheMoneyExercise: "Exercise of out-of-the-money derivative security",
	CodeInTheMoneyExercise:    "Exercise of in-the-money derivative security",
	CodeGift:                  "Bona fide gift",
	CodeSmallAcquisition:      "Small acquisition",
	CodeWillOrDescent:         "Acquisition or disposition by will or laws of descent",
	CodeTrustDeposit:          "Deposit into or withdrawal from voting trust",
	CodeOther:                 "Other acquisition or disposition",
	CodeEquitySwap:            "Equity swap or similar instrument",
	CodeTenderOffer:           "Disposition pursuant to a tender of shares",
}

// ParseTransactionCode validates a raw code against the closed SEC set
func ParseTransactionCode(raw string) (TransactionCode, bool) {
	code := TransactionCode(raw)
	_, ok := transactionCodeDescriptions[code]
	return code, ok
}

func (c TransactionCode) Description() string {
	return transactionCodeDescriptions[c]
}

func (c TransactionCode) IsPurchase() bool {
	return c == CodePurchase
}

// InsiderTransaction is one accepted line of a Form 4 non-derivative table
type InsiderTransaction struct {
	AccessionNumber      string              `json:"accession_number"`
	LineNumber           int                 `json:"line_number"`
	FilingDate           time.Time           `json:"filing_date"`
	TransactionDate      time.Time           `json:"transaction_date"`
	Code                 TransactionCode     `json:"transaction_code"`
	IsPurchase           bool                `json:"is_purchase"`
	AcquiredDisposed     string              `json:"acquired_disposed,omitempty"`
	SecurityTitle        string              `json:"security_title,omitempty"`
	Shares               decimal.Decimal     `json:"shares"`
	PricePerShare        decimal.NullDecimal `json:"price_per_share"`
	TotalValue           decimal.NullDecimal `json:"total_value"`
	SharesOwnedFollowing decimal.NullDecimal `json:"shares_owned_following"`

	IssuerCIK    string       `json:"issuer_cik"`
	IssuerName   string       `json:"issuer_name"`
	IssuerTicker string       `json:"issuer_ticker"`
	InsiderName  string       `json:"insider_name"`
	InsiderCIK   string       `json:"insider_cik,omitempty"`
	Relationship Relationship `json:"relationship"`
}

// DedupKey identifies one filing line across runs
type DedupKey struct {
	AccessionNumber string
	TransactionDate time.Time
	Code            TransactionCode
	Shares          decimal.Decimal
	LineNumber      int
}

func (t InsiderTransaction) DedupKey() DedupKey {
	return DedupKey{
		AccessionNumber: t.AccessionNumber,
		TransactionDate: t.TransactionDate,
		Code:            t.Code,
		Shares:          t.Shares,
		LineNumber:      t.LineNumber,
	}
}

// Trade is the persisted form of an InsiderTransaction. Rows are append-only.
type Trade struct {
	ID                   int64               `json:"id" db:"id"`
	CompanyID            int64               `json:"company_id" db:"company_id"`
	InsiderID            int64               `json:"insider_id" db:"insider_id"`
	AccessionNumber      string              `json:"accession_number" db:"accession_number"`
	LineNumber           int                 `json:"line_number" db:"line_number"`
	FilingDate           time.Time           `json:"filing_date" db:"filing_date"`
	TransactionDate      time.Time           `json:"transaction_date" db:"transaction_date"`
	TransactionCode      TransactionCode     `json:"transaction_code" db:"transaction_code"`
	IsPurchase           bool                `json:"is_purchase" db:"is_purchase"`
	AcquiredDisposed     string              `json:"acquired_disposed,omitempty" db:"acquired_disposed"`
	Shares               decimal.Decimal     `json:"shares" db:"shares"`
	PricePerShare        decimal.NullDecimal `json:"price_per_share" db:"price_per_share"`
	TotalValue           decimal.NullDecimal `json:"total_value" db:"total_value"`
	SharesOwnedFollowing decimal.NullDecimal `json:"shares_owned_following" db:"shares_owned_following"`
	CreatedAt            time.Time           `json:"created_at" db:"created_at"`
}

// NewTrade builds the row for a transaction once its company and insider
// have been stored.
func NewTrade(t InsiderTransaction, companyID, insiderID int64) Trade {
	return Trade{
		CompanyID:            companyID,
		InsiderID:            insiderID,
		AccessionNumber:      t.AccessionNumber,
		LineNumber:           t.LineNumber,
		FilingDate:           t.FilingDate,
		TransactionDate:      t.TransactionDate,
		TransactionCode:      t.Code,
		IsPurchase:           t.IsPurchase,
		AcquiredDisposed:     t.AcquiredDisposed,
		Shares:               t.Shares,
		PricePerShare:        t.PricePerShare,
		TotalValue:           t.TotalValue,
		SharesOwnedFollowing: t.SharesOwnedFollowing,
	}
}

func (t Trade) DedupKey() DedupKey {
	return DedupKey{
		AccessionNumber: t.AccessionNumber,
		TransactionDate: t.TransactionDate,
		Code:            t.TransactionCode,
		Shares:          t.Shares,
		LineNumber:      t.LineNumber,
	}
}
