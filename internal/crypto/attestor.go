// Package crypto provides attestation signing and operator key management
// for the settlement daemon.
package crypto

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// attestationPayloadLen is 8 bytes of big-endian market id, the 32-byte text
// hash, and the 32-byte evidence hash.
const attestationPayloadLen = 8 + 32 + 32

// AttestationDigest computes the digest a reporter signs to attest that a
// market's canonical text hashes to textHash with supporting evidence. The
// payload is wrapped in the EIP-191 personal-sign prefix so generic wallet
// tooling produces compatible signatures.
func AttestationDigest(marketID uint64, textHash, evidenceHash common.Hash) common.Hash {
	payload := make([]byte, 0, attestationPayloadLen)
	payload = binary.BigEndian.AppendUint64(payload, marketID)
	payload = append(payload, textHash.Bytes()...)
	payload = append(payload, evidenceHash.Bytes()...)

	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(payload))
	return ethcrypto.Keccak256Hash([]byte(prefix), payload)
}

// SignAttestation produces a 65-byte [R || S || V] signature over the
// attestation digest.
func SignAttestation(priv *ecdsa.PrivateKey, marketID uint64, textHash, evidenceHash common.Hash) ([]byte, error) {
	digest := AttestationDigest(marketID, textHash, evidenceHash)
	sig, err := ethcrypto.Sign(digest.Bytes(), priv)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign attestation: %w", err)
	}
	return sig, nil
}

// RecoverAttestor returns the address that signed the attestation. The
// caller still has to check the address against the node registry.
func RecoverAttestor(marketID uint64, textHash, evidenceHash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto: signature must be 65 bytes, got %d", len(sig))
	}
	digest := AttestationDigest(marketID, textHash, evidenceHash)
	pub, err := ethcrypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover attestor: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// ParsePrivateKey decodes a hex-encoded secp256k1 private key, with or
// without the 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return pk, nil
}

// AddressOf returns the address derived from a private key.
func AddressOf(priv *ecdsa.PrivateKey) common.Address {
	return ethcrypto.PubkeyToAddress(priv.PublicKey)
}
