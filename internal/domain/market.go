package domain

import "time"

// MarketMapping associates the catalog's numeric id with the hash-derived
// condition id of the same market. At any point in time the mapping is a
// bijection.
type MarketMapping struct {
	CatalogID string
	HashID    string
	UpdatedAt time.Time
}

// MarketInfo is catalog metadata for one market.
type MarketInfo struct {
	CatalogID string
	HashID    string
	Question  string
	Slug      string
	Outcomes  []string
	TokenIDs  []string
	Active    bool
	Closed    bool
	NegRisk   bool
}

// MarketRef is a best-effort join of a hash id against catalog metadata.
// When Mapped is false only HashID is meaningful and callers display the raw
// identifier.
type MarketRef struct {
	HashID    string
	CatalogID string
	Question  string
	Slug      string
	Mapped    bool
}

// Label returns the question when known, otherwise the raw hash id.
func (r MarketRef) Label() string {
	if r.Question != "" {
		return r.Question
	}
	return r.HashID
}
