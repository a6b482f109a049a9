package sessionkeys

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestVerifySignatureRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	msg := CreateTransactionMessage("0x1111111111111111111111111111111111111111", "1000000000000000", 1, 1700000000)
	hash := HashMessage(msg)
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := VerifySignature(msg, "0x"+hex.EncodeToString(sig), addr); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
}

func TestVerifySignatureMismatch(t *testing.T) {
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	otherAddr := strings.ToLower(crypto.PubkeyToAddress(other.PublicKey).Hex())

	msg := CreateTransactionMessage("0x1111111111111111111111111111111111111111", "1", 1, 1700000000)
	sig, _ := crypto.Sign(HashMessage(msg), key)

	if err := VerifySignature(msg, "0x"+hex.EncodeToString(sig), otherAddr); err == nil {
		t.Fatal("expected signature mismatch error")
	}
}

