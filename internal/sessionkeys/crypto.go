package sessionkeys

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// CreateTransactionMessage builds the canonical message a session key
// signs to authorize a transaction: "wardex|{to}|{valueWei}|{nonce}|{timestamp}".
func CreateTransactionMessage(to string, valueWei string, nonce uint64, timestamp int64) string {
	return fmt.Sprintf("wardex|%s|%s|%d|%d",
		strings.ToLower(to),
		valueWei,
		nonce,
		timestamp,
	)
}

// HashMessage produces an EIP-191 Ethereum signed-message hash.
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress recovers the signer's address from a message and a
// hex-encoded 65-byte (r || s || v) signature.
func RecoverAddress(message string, signatureHex string) (string, error) {
	sigHex := strings.TrimPrefix(signatureHex, "0x")

	signature, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	if signature[64] >= 27 {
		signature[64] -= 27
	}

	messageHash := HashMessage(message)

	pubKeyBytes, err := crypto.Ecrecover(messageHash, signature)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal public key: %w", err)
	}

	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// VerifySignature checks that signatureHex over message was produced by
// expectedAddress's private key.
func VerifySignature(message string, signatureHex string, expectedAddress string) error {
	recovered, err := RecoverAddress(message, signatureHex)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if !strings.EqualFold(recovered, expectedAddress) {
		return fmt.Errorf("signature mismatch: expected %s, got %s", expectedAddress, recovered)
	}
	return nil
}
