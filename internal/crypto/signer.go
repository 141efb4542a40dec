package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Exchange contracts on Polygon mainnet. Neg-risk markets settle through a
// separate exchange and orders for them must name it as verifying contract.
const (
	ExchangeAddress        = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	NegRiskExchangeAddress = "0xC5d563A36AE78145C45a50134d48A1215220f80a"

	exchangeDomainName    = "Polymarket CTF Exchange"
	exchangeDomainVersion = "1"
)

// Signature types accepted by the exchange.
const (
	SignatureEOA        = 0
	SignaturePolyProxy  = 1
	SignatureGnosisSafe = 2
)

var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"),
	)
)

// OrderPayload represents the 12 fields of a CLOB order that must be signed
// via EIP-712. String types are used for addresses and large numbers to
// preserve precision across JSON boundaries.
type OrderPayload struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          int    `json:"side"`          // 0 = BUY, 1 = SELL
	SignatureType int    `json:"signatureType"` // 0 = EOA, 1 = POLY_PROXY, 2 = POLY_GNOSIS_SAFE
}

// Signer holds a decrypted secp256k1 key for the lifetime of one reveal
// scope. Call Wipe when the scope ends.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int
}

// NewSignerFromKey creates a Signer from raw 32-byte key material. The
// caller keeps ownership of key and is expected to wipe it.
func NewSignerFromKey(key []byte, chainID int) (*Signer, error) {
	pk, err := ethcrypto.ToECDSA(key)
	if err != nil {
		// The underlying error can echo input; keep it out of the message.
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", domain.ErrCredential)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    chainID,
	}, nil
}

// Address returns the EOA address derived from the private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignOrder signs an order against the exchange domain. It returns a
// hex-encoded 65-byte signature.
func (s *Signer) SignOrder(order OrderPayload, negRisk bool) (string, error) {
	if s.privateKey == nil {
		return "", errors.New("crypto/signer: signer wiped")
	}
	contract := ExchangeAddress
	if negRisk {
		contract = NegRiskExchangeAddress
	}
	domainSep := buildDomainSeparator(exchangeDomainName, exchangeDomainVersion, s.chainID, contract)

	structHash, err := orderStructHash(order)
	if err != nil {
		return "", err
	}
	return s.signDigest(eip712Hash(domainSep, structHash))
}

// Wipe zeroes the private scalar. The Signer is unusable afterwards.
func (s *Signer) Wipe() {
	if s.privateKey == nil {
		return
	}
	if s.privateKey.D != nil {
		words := s.privateKey.D.Bits()
		for i := range words {
			words[i] = 0
		}
		s.privateKey.D.SetInt64(0)
	}
	s.privateKey = nil
}

// buildDomainSeparator returns
// keccak256(abi.encode(typeHash, nameHash, versionHash, chainId, verifyingContract)).
func buildDomainSeparator(name, version string, chainID int, contract string) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
			bigIntTo32Bytes(big.NewInt(int64(chainID))),
			common.LeftPadBytes(common.HexToAddress(contract).Bytes(), 32),
		),
	)
}

// eip712Hash computes keccak256("\x19\x01" || domainSeparator || structHash).
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSep, structHash))
}

func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	// go-ethereum returns v in {0,1}; EIP-712 expects v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func orderStructHash(o OrderPayload) ([]byte, error) {
	fields := []struct {
		name, value string
	}{
		{"salt", o.Salt},
		{"tokenId", o.TokenID},
		{"makerAmount", o.MakerAmount},
		{"takerAmount", o.TakerAmount},
		{"expiration", o.Expiration},
		{"nonce", o.Nonce},
		{"feeRateBps", o.FeeRateBps},
	}
	ints := make([]*big.Int, len(fields))
	for i, f := range fields {
		n, ok := new(big.Int).SetString(f.value, 10)
		if !ok {
			return nil, fmt.Errorf("crypto/signer: invalid %s %q", f.name, f.value)
		}
		ints[i] = n
	}

	return ethcrypto.Keccak256(
		concatBytes(
			orderTypeHash,
			bigIntTo32Bytes(ints[0]),
			common.LeftPadBytes(common.HexToAddress(o.Maker).Bytes(), 32),
			common.LeftPadBytes(common.HexToAddress(o.Signer).Bytes(), 32),
			common.LeftPadBytes(common.HexToAddress(o.Taker).Bytes(), 32),
			bigIntTo32Bytes(ints[1]),
			bigIntTo32Bytes(ints[2]),
			bigIntTo32Bytes(ints[3]),
			bigIntTo32Bytes(ints[4]),
			bigIntTo32Bytes(ints[5]),
			bigIntTo32Bytes(ints[6]),
			bigIntTo32Bytes(big.NewInt(int64(o.Side))),
			bigIntTo32Bytes(big.NewInt(int64(o.SignatureType))),
		),
	), nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
