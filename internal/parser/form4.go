package parser

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/yourorg/form4-ingest/internal/model"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
)

var (
	// MaxReasonableShares is the exclusive upper bound on shares in one line.
	// Larger values are keying errors in the source filing.
	MaxReasonableShares = decimal.NewFromInt(100_000_000)

	// MaxReasonableTradeValue is the exclusive upper bound on shares × price
	MaxReasonableTradeValue = decimal.NewFromInt(10_000_000_000)
)

// Numbers outside these limits are treated as unreadable. Arithmetic on
// decimals with extreme exponents overflows or never finishes.
const (
	maxNumberLength   = 40
	maxNumberExponent = 30
)

// RejectReason says why a filing line was not turned into a transaction
type RejectReason string

const (
	RejectMissingShares  RejectReason = "missing_shares"
	RejectTooManyShares  RejectReason = "too_many_shares"
	RejectValueTooLarge  RejectReason = "value_too_large"
	RejectUnknownCode    RejectReason = "unknown_code"
	RejectUnparsableDate RejectReason = "unparsable_date"
)

// Reject is one dropped line of the non-derivative table
type Reject struct {
	Line   int          `json:"line"`
	Reason RejectReason `json:"reason"`
	Detail string       `json:"detail"`
}

func (r Reject) String() string {
	return fmt.Sprintf("line %d: %s (%s)", r.Line, r.Reason, r.Detail)
}

// Result is the outcome of parsing one filing. DecodeErr is set when the
// document could not be read at all; it is informational and Transactions
// is empty in that case.
type Result struct {
	Transactions []model.InsiderTransaction
	Rejects      []Reject
	DecodeErr    error
}

// Form4Parser turns Form 4 XML into insider transactions
type Form4Parser struct {
	logger *zap.Logger
}

func NewForm4Parser(logger *zap.Logger) *Form4Parser {
	return &Form4Parser{logger: logger}
}

// Parse returns the accepted transactions of a filing. It never fails;
// malformed input yields an empty slice.
func (p *Form4Parser) Parse(data []byte) []model.InsiderTransaction {
	return p.ParseDetailed(data).Transactions
}

// ParseDetailed parses a filing and reports every rejected line
func (p *Form4Parser) ParseDetailed(data []byte) Result {
	doc, err := decode(data)
	if err != nil {
		p.logger.Warn("Failed to decode Form 4 XML", zap.Error(err), zap.Int("bytes", len(data)))
		return Result{DecodeErr: err}
	}

	var result Result
	if doc.NonDerivativeTable == nil || len(doc.NonDerivativeTable.Transactions) == 0 {
		return result
	}

	base := model.InsiderTransaction{
		IssuerName:   strings.TrimSpace(doc.Issuer.Name),
		IssuerTicker: model.NormalizeTicker(doc.Issuer.TradingSymbol),
	}
	if cik, err := model.NormalizeCIK(doc.Issuer.CIK); err == nil {
		base.IssuerCIK = cik
	}
	if len(doc.ReportingOwners) > 0 {
		owner := doc.ReportingOwners[0]
		base.InsiderName = strings.Join(strings.Fields(owner.Name), " ")
		if cik, err := model.NormalizeCIK(owner.CIK); err == nil {
			base.InsiderCIK = cik
		}
		base.Relationship = model.Relationship{
			IsDirector:        bool(owner.Relationship.IsDirector),
			IsOfficer:         bool(owner.Relationship.IsOfficer),
			IsTenPercentOwner: bool(owner.Relationship.IsTenPercentOwner),
			IsOther:           bool(owner.Relationship.IsOther),
			OfficerTitle:      strings.TrimSpace(owner.Relationship.OfficerTitle),
		}
	}

	for i, line := range doc.NonDerivativeTable.Transactions {
		lineNo := i + 1
		txn, reject := p.convert(base, line, lineNo)
		if reject != nil {
			result.Rejects = append(result.Rejects, *reject)
			continue
		}
		result.Transactions = append(result.Transactions, txn)
	}

	return result
}

func (p *Form4Parser) convert(base model.InsiderTransaction, line nonDerivativeTransaction, lineNo int) (model.InsiderTransaction, *Reject) {
	reject := func(reason RejectReason, detail string) (model.InsiderTransaction, *Reject) {
		return model.InsiderTransaction{}, &Reject{Line: lineNo, Reason: reason, Detail: detail}
	}

	rawCode := strings.TrimSpace(line.Code)
	code, ok := model.ParseTransactionCode(rawCode)
	if !ok {
		p.logger.Warn("Unknown transaction code in Form 4",
			zap.String("code", rawCode),
			zap.String("issuer", base.IssuerCIK),
			zap.Int("line", lineNo))
		return reject(RejectUnknownCode, fmt.Sprintf("code %q", rawCode))
	}

	date, err := parseDate(line.TransactionDate.String())
	if err != nil {
		return reject(RejectUnparsableDate, fmt.Sprintf("date %q", line.TransactionDate.String()))
	}

	shares, ok := parseNumber(line.Shares.String())
	if !ok || !shares.IsPositive() {
		return reject(RejectMissingShares, fmt.Sprintf("shares %q", line.Shares.String()))
	}
	if shares.GreaterThanOrEqual(MaxReasonableShares) {
		p.logger.Info("Dropping Form 4 line with implausible share count",
			zap.String("shares", shares.String()),
			zap.String("issuer", base.IssuerCIK),
			zap.Int("line", lineNo))
		return reject(RejectTooManyShares, fmt.Sprintf("shares %s", shares.String()))
	}

	txn := base
	txn.LineNumber = lineNo
	txn.TransactionDate = date
	txn.Code = code
	txn.IsPurchase = code.IsPurchase()
	txn.Shares = shares
	txn.SecurityTitle = line.SecurityTitle.String()
	txn.AcquiredDisposed = strings.ToUpper(line.AcquiredDisposed.String())

	if price, ok := parseNumber(line.PricePerShare.String()); ok && !price.IsNegative() {
		total := shares.Mul(price)
		if total.GreaterThanOrEqual(MaxReasonableTradeValue) {
			p.logger.Info("Dropping Form 4 line with implausible trade value",
				zap.String("value", total.String()),
				zap.String("issuer", base.IssuerCIK),
				zap.Int("line", lineNo))
			return reject(RejectValueTooLarge, fmt.Sprintf("value %s", total.StringFixed(2)))
		}
		txn.PricePerShare = decimal.NewNullDecimal(price)
		txn.TotalValue = decimal.NewNullDecimal(total)
	}

	if owned, ok := parseNumber(line.SharesOwnedFollowing.String()); ok {
		txn.SharesOwnedFollowing = decimal.NewNullDecimal(owned)
	}

	return txn, nil
}

func decode(data []byte) (*ownershipDocument, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty document")
	}

	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.CharsetReader = charset.NewReaderLabel
	decoder.Entity = xml.HTMLEntity

	var doc ownershipDocument
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode ownership document: %w", err)
	}
	return &doc, nil
}

// parseDate accepts YYYY-MM-DD, tolerating a trailing zone or time part
// (2024-01-15-05:00, 2024-01-15T00:00:00) that some filers append.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) > len(time.DateOnly) {
		switch s[len(time.DateOnly)] {
		case 'T', ' ', '-', '+', 'Z':
			s = s[:len(time.DateOnly)]
		}
	}
	return time.Parse(time.DateOnly, s)
}

// parseNumber reads a decimal, ignoring thousands separators and a leading
// currency sign.
func parseNumber(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" || len(s) > maxNumberLength {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	if exp := d.Exponent(); exp < -maxNumberExponent || exp > maxNumberExponent {
		return decimal.Decimal{}, false
	}
	return d, true
}
