package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Company represents an SEC issuer
type Company struct {
	ID        int64     `json:"id" db:"id"`
	CIK       string    `json:"cik" db:"cik"`
	Ticker    string    `json:"ticker" db:"ticker"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Insider represents a reporting owner of a company
type Insider struct {
	ID                int64  `json:"id" db:"id"`
	CompanyID         int64  `json:"company_id" db:"company_id"`
	Name              string `json:"name" db:"name"`
	CIK               string `json:"cik,omitempty" db:"cik"`
	IsDirector        bool   `json:"is_director" db:"is_director"`
	IsOfficer         bool   `json:"is_officer" db:"is_officer"`
	IsTenPercentOwner bool   `json:"is_ten_percent_owner" db:"is_ten_percent_owner"`
	IsOther           bool   `json:"is_other" db:"is_other"`
	OfficerTitle      string `json:"officer_title,omitempty" db:"officer_title"`
}

// Relationship is the role set an insider holds at the issuer
type Relationship struct {
	IsDirector        bool   `json:"is_director"`
	IsOfficer         bool   `json:"is_officer"`
	IsTenPercentOwner bool   `json:"is_ten_percent_owner"`
	IsOther           bool   `json:"is_other"`
	OfficerTitle      string `json:"officer_title,omitempty"`
}

// Merge unions two relationship sets. Flags are never removed.
func (r Relationship) Merge(other Relationship) Relationship {
	merged := Relationship{
		IsDirector:        r.IsDirector || other.IsDirector,
		IsOfficer:         r.IsOfficer || other.IsOfficer,
		IsTenPercentOwner: r.IsTenPercentOwner || other.IsTenPercentOwner,
		IsOther:           r.IsOther || other.IsOther,
		OfficerTitle:      r.OfficerTitle,
	}
	if other.OfficerTitle != "" {
		merged.OfficerTitle = other.OfficerTitle
	}
	return merged
}

// NormalizeCIK returns the 10-digit zero-padded form of a CIK
func NormalizeCIK(cik string) (string, error) {
	cik = strings.TrimSpace(cik)
	cik = strings.TrimPrefix(strings.ToUpper(cik), "CIK")
	if cik == "" {
		return "", fmt.Errorf("empty CIK")
	}
	n, err := strconv.ParseUint(cik, 10, 64)
	if err != nil || n == 0 || n > 9999999999 {
		return "", fmt.Errorf("invalid CIK %q", cik)
	}
	return fmt.Sprintf("%010d", n), nil
}

// IsCIK reports whether an identifier looks like a CIK rather than a ticker
func IsCIK(identifier string) bool {
	_, err := NormalizeCIK(identifier)
	return err == nil
}

// NormalizeTicker upper-cases and trims a ticker symbol
func NormalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}
