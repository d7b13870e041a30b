package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version)"),
	)

	// Settlement(bytes32 marketId,uint256 winner,uint256 resolvedAt)
	settlementTypeHash = ethcrypto.Keccak256(
		[]byte("Settlement(bytes32 marketId,uint256 winner,uint256 resolvedAt)"),
	)
)

// Attestation is a signed statement that a market settled to a winning
// outcome at a given time. Consumers verify it against the operator's
// published attestor address.
type Attestation struct {
	MarketID   string    `json:"market_id"`
	Winner     int       `json:"winner"`
	ResolvedAt time.Time `json:"resolved_at"`
	Attestor   string    `json:"attestor"`
	Signature  string    `json:"signature"` // hex, 65 bytes (r || s || v)
}

// Signer produces EIP-712 style settlement attestations with a secp256k1
// key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domainSep  []byte // cached EIP-712 domain separator hash
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	s := &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}
	s.domainSep = buildDomainSeparator("CondAMM Settlement", "1")

	return s, nil
}

// Address returns the attestor address derived from the signer's key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignSettlement signs a settlement statement for a resolved market and
// returns the full attestation.
func (s *Signer) SignSettlement(marketID string, winner int, resolvedAt time.Time) (Attestation, error) {
	digest := settlementDigest(s.domainSep, marketID, winner, resolvedAt)

	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return Attestation{}, fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; EIP-712 convention is {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return Attestation{
		MarketID:   marketID,
		Winner:     winner,
		ResolvedAt: resolvedAt,
		Attestor:   s.address.Hex(),
		Signature:  "0x" + hex.EncodeToString(sig),
	}, nil
}

// VerifyAttestation recovers the signing address from an attestation and
// checks it against the claimed attestor.
func VerifyAttestation(att Attestation) error {
	sigHex := strings.TrimPrefix(att.Signature, "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("crypto/signer: decode signature: %w", err)
	}
	if len(sig) != 65 {
		return fmt.Errorf("crypto/signer: expected 65-byte signature, got %d", len(sig))
	}

	// Undo the {27,28} recovery offset for SigToPub.
	recSig := make([]byte, 65)
	copy(recSig, sig)
	if recSig[64] >= 27 {
		recSig[64] -= 27
	}

	domainSep := buildDomainSeparator("CondAMM Settlement", "1")
	digest := settlementDigest(domainSep, att.MarketID, att.Winner, att.ResolvedAt)

	pub, err := ethcrypto.SigToPub(digest, recSig)
	if err != nil {
		return fmt.Errorf("crypto/signer: recover pubkey: %w", err)
	}

	recovered := ethcrypto.PubkeyToAddress(*pub)
	if recovered != common.HexToAddress(att.Attestor) {
		return fmt.Errorf("crypto/signer: attestor mismatch: recovered %s, claimed %s",
			recovered.Hex(), att.Attestor)
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// settlementDigest computes the final EIP-712 digest for a settlement:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func settlementDigest(domainSep []byte, marketID string, winner int, resolvedAt time.Time) []byte {
	structHash := ethcrypto.Keccak256(
		concatBytes(
			settlementTypeHash,
			ethcrypto.Keccak256([]byte(marketID)),
			bigIntTo32Bytes(big.NewInt(int64(winner))),
			bigIntTo32Bytes(big.NewInt(resolvedAt.Unix())),
		),
	)

	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// buildDomainSeparator returns keccak256(abi.encode(typeHash, nameHash, versionHash)).
func buildDomainSeparator(name, version string) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
		),
	)
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
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
