package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/vault"
)

// CredentialService stores and describes trading credentials.
type CredentialService interface {
	StoreCredentials(ctx context.Context, userID string, in vault.CredentialInput) (domain.TradingProfile, error)
	Credentials(ctx context.Context, userID string) (domain.TradingProfile, error)
}

// CredentialHandler serves the credential vault endpoints. Secrets are
// accepted but never returned.
type CredentialHandler struct {
	creds  CredentialService
	logger *slog.Logger
}

func NewCredentialHandler(creds CredentialService, logger *slog.Logger) *CredentialHandler {
	return &CredentialHandler{creds: creds, logger: logger}
}

type storeCredentialsRequest struct {
	ProxyWallet string `json:"proxy_wallet"`
	PrivateKey  string `json:"private_key"`
	APIKey      string `json:"api_key"`
	APISecret   string `json:"api_secret"`
	Passphrase  string `json:"passphrase"`
}

type credentialsResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	Stored        bool   `json:"stored"`
	ProxyWallet   string `json:"proxy_wallet,omitempty"`
	SignerAddress string `json:"signer_address,omitempty"`
	HasTradingKey bool   `json:"has_trading_key"`
	HasAPICreds   bool   `json:"has_api_creds"`
}

func newCredentialsResponse(p domain.TradingProfile) credentialsResponse {
	return credentialsResponse{
		Success:       true,
		Stored:        true,
		ProxyWallet:   p.ProxyWallet,
		SignerAddress: p.SignerAddress,
		HasTradingKey: p.HasTradingKey,
		HasAPICreds:   p.HasAPICreds,
	}
}

// StoreCredentials seals the caller's credentials.
// PUT /api/credentials
func (h *CredentialHandler) StoreCredentials(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req storeCredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	profile, err := h.creds.StoreCredentials(r.Context(), userID, vault.CredentialInput{
		ProxyWallet: req.ProxyWallet,
		PrivateKey:  req.PrivateKey,
		APIKey:      req.APIKey,
		APISecret:   req.APISecret,
		Passphrase:  req.Passphrase,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "store credentials", err)
		return
	}
	resp := newCredentialsResponse(profile)
	resp.Message = "Credentials saved"
	writeJSON(w, http.StatusOK, resp)
}

// GetCredentials reports which credentials are stored.
// GET /api/credentials
func (h *CredentialHandler) GetCredentials(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	profile, err := h.creds.Credentials(r.Context(), userID)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusOK, credentialsResponse{Success: true})
		return
	}
	if err != nil {
		writeServiceError(w, r, h.logger, "get credentials", err)
		return
	}
	writeJSON(w, http.StatusOK, newCredentialsResponse(profile))
}
