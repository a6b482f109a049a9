// Package sessionkeys implements bounded-autonomy delegation for AI agents
// (spec component C6). A session key is a subordinate ECDSA keypair scoped
// to a contract allowlist, a per-transaction value cap, a rolling daily
// volume cap, and a fixed validity window. The session manager is the
// single authority that decides whether a proposed transaction may be
// signed under a given session key; it never signs anything itself — that
// stays with the isolated signer (internal/signer).
package sessionkeys

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"time"
)

// SessionKey is a subordinate key with narrowed permissions, as described
// in spec.md §3 and §4.6.
type SessionKey struct {
	ID        string `json:"id"`
	OwnerAddr string `json:"ownerAddr"` // the wallet/root key this session is delegated from
	PublicKey string `json:"publicKey"` // session key's Ethereum address, derived from its ECDSA pubkey

	AllowedContracts []string `json:"allowedContracts"` // lowercased target allowlist
	MaxValuePerTx     *big.Int `json:"maxValuePerTx"`     // wei
	MaxDailyVolume    *big.Int `json:"maxDailyVolume"`    // wei

	StartTime time.Time `json:"startTime"`
	Duration  time.Duration `json:"duration"`

	ForbidInfiniteApprovals bool `json:"forbidInfiniteApprovals"`

	DailyUsed    *big.Int  `json:"dailyUsed"`    // wei spent so far in the current rollover day
	LastResetDay string    `json:"lastResetDay"` // YYYY-MM-DD, UTC, of the last daily rollover

	Revoked   bool       `json:"revoked"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`

	// Delegation chain bookkeeping, used by Rotate and the audit trail.
	ParentKeyID string `json:"parentKeyId,omitempty"`
	RootKeyID   string `json:"rootKeyId,omitempty"`
	Depth       int    `json:"depth"`

	// privateKey holds the session's ECDSA private key bytes. Zeroed on
	// revocation or expiry; never serialized.
	privateKey []byte
}

// ExpiresAt returns the instant this session key stops being valid,
// independent of explicit revocation.
func (sk *SessionKey) ExpiresAt() time.Time {
	return sk.StartTime.Add(sk.Duration)
}

// IsExpired reports whether now is past the session's validity window.
func (sk *SessionKey) IsExpired(now time.Time) bool {
	return !now.Before(sk.ExpiresAt())
}

// IsActive reports whether the key may still authorize transactions.
func (sk *SessionKey) IsActive(now time.Time) bool {
	return !sk.Revoked && !sk.IsExpired(now)
}

// SetPrivateKey stores the raw private key bytes owned by this session.
// Callers must not retain their own copy once ownership transfers here.
func (sk *SessionKey) SetPrivateKey(key []byte) {
	sk.privateKey = key
}

// PrivateKey returns the raw private key bytes, or nil if zeroed.
func (sk *SessionKey) PrivateKey() []byte {
	return sk.privateKey
}

// Zero overwrites the private key buffer with zeros. Safe to call more
// than once; a nil or already-zeroed buffer is a no-op.
func (sk *SessionKey) Zero() {
	for i := range sk.privateKey {
		sk.privateKey[i] = 0
	}
	sk.privateKey = nil
}

// ValidationResult is the outcome of Manager.ValidateTransaction.
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Code   string `json:"code,omitempty"`
}

// DelegationLogEntry records one lifecycle event (create/rotate/revoke) in
// a session key's delegation chain, grounded on the teacher's delegation
// audit shape.
type DelegationLogEntry struct {
	ID              int       `json:"id"`
	ParentKeyID     string    `json:"parentKeyId,omitempty"`
	ChildKeyID      string    `json:"childKeyId,omitempty"`
	RootKeyID       string    `json:"rootKeyId"`
	RootOwnerAddr   string    `json:"rootOwnerAddr"`
	Depth           int       `json:"depth"`
	MaxDailyVolume  string    `json:"maxDailyVolume,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	EventType       string    `json:"eventType"` // created | rotated | revoked | expired
	AncestorChain   []string  `json:"ancestorChain,omitempty"`
	Metadata        string    `json:"metadata,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// ValidationError is a stable, coded session-key validation failure.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

var (
	ErrKeyNotFound           = &ValidationError{Code: "key_not_found", Message: "session key not found"}
	ErrKeyRevoked            = &ValidationError{Code: "key_revoked", Message: "session key has been revoked"}
	ErrKeyExpired            = &ValidationError{Code: "key_expired", Message: "session key has expired"}
	ErrKeyNotYetValid        = &ValidationError{Code: "key_not_yet_valid", Message: "session key is not yet valid"}
	ErrContractNotAllowed    = &ValidationError{Code: "contract_not_allowed", Message: "target contract is not in the session's allowlist"}
	ErrExceedsPerTx          = &ValidationError{Code: "exceeds_per_tx", Message: "value exceeds the session's per-transaction cap"}
	ErrExceedsDaily          = &ValidationError{Code: "exceeds_daily", Message: "value would exceed the session's daily volume cap"}
	ErrInfiniteApprovalBarred = &ValidationError{Code: "infinite_approval_barred", Message: "session forbids infinite or collection-wide approvals"}
	ErrInvalidSignature      = &ValidationError{Code: "invalid_signature", Message: "invalid or malformed signature"}
	ErrSignatureMismatch     = &ValidationError{Code: "signature_mismatch", Message: "signature does not match session key"}
)

// GenerateID creates a random session key identifier.
func GenerateID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return "sesskey_" + hex.EncodeToString(b)
}
