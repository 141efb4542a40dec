package vault

import (
	"fmt"

	"github.com/alanyoungcy/polyguard/internal/crypto"
	"github.com/alanyoungcy/polyguard/internal/domain"
)

var errScopeClosed = fmt.Errorf("vault: secret used outside its reveal scope: %w", domain.ErrCredential)

// Secret is decrypted credential material valid only during Reveal.
type Secret struct {
	userID      string
	proxyWallet string
	signer      *crypto.Signer
	auth        *crypto.HMACAuth
	wiped       bool
}

// UserID returns the owner of the credentials.
func (s *Secret) UserID() string { return s.userID }

// ProxyWallet returns the funder address orders are placed for.
func (s *Secret) ProxyWallet() string { return s.proxyWallet }

// Signer returns the order signer.
func (s *Secret) Signer() (*crypto.Signer, error) {
	if s.wiped || s.signer == nil {
		return nil, errScopeClosed
	}
	return s.signer, nil
}

// Auth returns the L2 API credentials.
func (s *Secret) Auth() (*crypto.HMACAuth, error) {
	if s.wiped || s.auth == nil {
		return nil, errScopeClosed
	}
	return s.auth, nil
}

// Wiped reports whether the reveal scope has ended.
func (s *Secret) Wiped() bool { return s.wiped }

func (s *Secret) wipe() {
	if s.signer != nil {
		s.signer.Wipe()
	}
	if s.auth != nil {
		s.auth.Wipe()
	}
	s.wiped = true
}
