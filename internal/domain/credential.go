package domain

import "time"

// CredentialRecord holds a user's trading credentials at rest. Every secret
// field is a vault envelope; plaintext is never persisted.
type CredentialRecord struct {
	UserID        string
	ProxyWallet   string
	SignerAddress string
	PrivateKey    string
	APIKey        string
	APISecret     string
	Passphrase    string
	KeyVersion    int
	UpdatedAt     time.Time
}

// HasTradingKey reports whether an order signing key is stored.
func (r CredentialRecord) HasTradingKey() bool { return r.PrivateKey != "" }

// HasAPICreds reports whether the full L2 API credential triple is stored.
func (r CredentialRecord) HasAPICreds() bool {
	return r.APIKey != "" && r.APISecret != "" && r.Passphrase != ""
}

// TradingProfile is the non-secret part of a credential record.
type TradingProfile struct {
	UserID        string
	ProxyWallet   string
	SignerAddress string
	HasTradingKey bool
	HasAPICreds   bool
}
