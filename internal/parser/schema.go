package parser

import (
	"encoding/xml"
	"strings"
)

// ownershipDocument is the root of a Form 4 XML filing. Only the parts the
// ingestion path reads are mapped.
type ownershipDocument struct {
	XMLName            xml.Name            `xml:"ownershipDocument"`
	DocumentType       string              `xml:"documentType"`
	PeriodOfReport     string              `xml:"periodOfReport"`
	Issuer             issuer              `xml:"issuer"`
	ReportingOwners    []reportingOwner    `xml:"reportingOwner"`
	NonDerivativeTable *nonDerivativeTable `xml:"nonDerivativeTable"`
}

type issuer struct {
	CIK           string `xml:"issuerCik"`
	Name          string `xml:"issuerName"`
	TradingSymbol string `xml:"issuerTradingSymbol"`
}

type reportingOwner struct {
	CIK          string       `xml:"reportingOwnerId>rptOwnerCik"`
	Name         string       `xml:"reportingOwnerId>rptOwnerName"`
	Relationship relationship `xml:"reportingOwnerRelationship"`
}

type relationship struct {
	IsDirector        flag   `xml:"isDirector"`
	IsOfficer         flag   `xml:"isOfficer"`
	IsTenPercentOwner flag   `xml:"isTenPercentOwner"`
	IsOther           flag   `xml:"isOther"`
	OfficerTitle      string `xml:"officerTitle"`
}

type nonDerivativeTable struct {
	Transactions []nonDerivativeTransaction `xml:"nonDerivativeTransaction"`
}

type nonDerivativeTransaction struct {
	SecurityTitle        value  `xml:"securityTitle"`
	TransactionDate      value  `xml:"transactionDate"`
	Code                 string `xml:"transactionCoding>transactionCode"`
	Shares               value  `xml:"transactionAmounts>transactionShares"`
	PricePerShare        value  `xml:"transactionAmounts>transactionPricePerShare"`
	AcquiredDisposed     value  `xml:"transactionAmounts>transactionAcquiredDisposedCode"`
	SharesOwnedFollowing value  `xml:"postTransactionAmounts>sharesOwnedFollowingTransaction"`
}

// value is a Form 4 data element. The schema wraps data in <value>, but
// some filer software writes the text directly into the element.
type value struct {
	Text       string `xml:",chardata"`
	Value      string `xml:"value"`
	FootnoteID []struct {
		ID string `xml:"id,attr"`
	} `xml:"footnoteId"`
}

func (v value) String() string {
	if s := strings.TrimSpace(v.Value); s != "" {
		return s
	}
	return strings.TrimSpace(v.Text)
}

// flag is a relationship checkbox. Filers write 1, 0, true, false, Y, N
// or leave the element empty.
type flag bool

func (f *flag) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var v value
	if err := d.DecodeElement(&v, &start); err != nil {
		return err
	}
	switch strings.ToLower(v.String()) {
	case "1", "true", "y", "yes", "x":
		*f = true
	default:
		*f = false
	}
	return nil
}
