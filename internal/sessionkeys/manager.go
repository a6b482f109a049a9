package sessionkeys

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/wardex/internal/evalctx"
)

// infiniteApprovalThreshold mirrors stages.infiniteApprovalThreshold (2^128)
// — sessionkeys is a leaf package and does not import internal/stages, so
// the constant is re-declared rather than shared.
var infiniteApprovalThreshold = new(big.Int).Lsh(big.NewInt(1), 128)

const (
	selectorApprove           = "0x095ea7b3" // approve(address,uint256)
	selectorSetApprovalForAll = "0xa22cb465" // setApprovalForAll(address,bool)
)

// Manager tracks session keys and enforces their constraints. It holds no
// knowledge of the shield's risk pipeline — it answers exactly one
// question, "is this session allowed to authorize this transaction",
// per spec.md §4.6.
type Manager struct {
	mu    sync.Mutex
	store Store
	audit DelegationAuditLogger
	clock func() time.Time
}

// NewManager builds a session key manager backed by store for persistence
// and audit for delegation-lifecycle logging.
func NewManager(store Store, audit DelegationAuditLogger) *Manager {
	return &Manager{store: store, audit: audit, clock: time.Now}
}

// CreateParams describes a new session key to mint.
type CreateParams struct {
	OwnerAddr               string
	PublicKey               string
	PrivateKey              []byte // zeroed by the manager on revoke/expiry; caller must not retain a copy
	AllowedContracts        []string
	MaxValuePerTx           *big.Int
	MaxDailyVolume          *big.Int
	Duration                time.Duration
	ForbidInfiniteApprovals bool
}

// Create mints a fresh, root-level session key.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*SessionKey, error) {
	now := m.clock()
	allow := make([]string, 0, len(p.AllowedContracts))
	for _, a := range p.AllowedContracts {
		allow = append(allow, strings.ToLower(a))
	}

	sk := &SessionKey{
		ID:                      GenerateID(),
		OwnerAddr:               strings.ToLower(p.OwnerAddr),
		PublicKey:               strings.ToLower(p.PublicKey),
		AllowedContracts:        allow,
		MaxValuePerTx:           p.MaxValuePerTx,
		MaxDailyVolume:          p.MaxDailyVolume,
		StartTime:               now,
		Duration:                p.Duration,
		ForbidInfiniteApprovals: p.ForbidInfiniteApprovals,
		DailyUsed:               big.NewInt(0),
		LastResetDay:            dayKey(now),
		CreatedAt:               now,
	}
	sk.RootKeyID = sk.ID
	sk.SetPrivateKey(p.PrivateKey)

	if err := m.store.Create(ctx, sk); err != nil {
		return nil, err
	}
	m.logEvent(ctx, sk, "", "created", "")
	return sk, nil
}

// ValidateTransaction enforces, in the order spec.md §4.6 specifies:
// existence/revocation, expiry, contract allowlist, per-tx cap, daily cap,
// and (if enabled) the infinite-approval guard. It does not mutate the
// daily counter — callers call RecordUsage after the transaction is
// actually sent.
func (m *Manager) ValidateTransaction(ctx context.Context, sessionID string, tx evalctx.TransactionRequest) (ValidationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sk, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return ValidationResult{}, err
	}

	now := m.clock()
	m.rollDaily(sk, now)

	if sk.Revoked {
		return fail(ErrKeyRevoked), nil
	}
	if sk.IsExpired(now) {
		if sk.PrivateKey() != nil {
			sk.Zero()
			if err := m.store.Update(ctx, sk); err != nil {
				return ValidationResult{}, err
			}
		}
		return fail(ErrKeyExpired), nil
	}
	if now.Before(sk.StartTime) {
		return fail(ErrKeyNotYetValid), nil
	}

	to := strings.ToLower(tx.To)
	if !contains(sk.AllowedContracts, to) {
		return fail(ErrContractNotAllowed), nil
	}

	value := tx.Value
	if value == nil {
		value = big.NewInt(0)
	}
	if sk.MaxValuePerTx != nil && value.Cmp(sk.MaxValuePerTx) > 0 {
		return fail(ErrExceedsPerTx), nil
	}
	if sk.MaxDailyVolume != nil {
		projected := new(big.Int).Add(sk.DailyUsed, value)
		if projected.Cmp(sk.MaxDailyVolume) > 0 {
			return fail(ErrExceedsDaily), nil
		}
	}

	if sk.ForbidInfiniteApprovals && violatesInfiniteApprovalGuard(tx.Data) {
		return fail(ErrInfiniteApprovalBarred), nil
	}

	return ValidationResult{Valid: true}, nil
}

// RecordUsage adds value to the session's daily-used counter after a
// transaction it authorized has actually been sent.
func (m *Manager) RecordUsage(ctx context.Context, sessionID string, value *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sk, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	now := m.clock()
	m.rollDaily(sk, now)
	sk.DailyUsed = new(big.Int).Add(sk.DailyUsed, value)
	return m.store.Update(ctx, sk)
}

// rollDaily resets DailyUsed when the UTC day has changed since the last
// recorded usage.
func (m *Manager) rollDaily(sk *SessionKey, now time.Time) {
	today := dayKey(now)
	if sk.LastResetDay != today {
		sk.LastResetDay = today
		sk.DailyUsed = big.NewInt(0)
	}
}

// Revoke disables a session key immediately and zeros its private key
// material. Idempotent.
func (m *Manager) Revoke(ctx context.Context, sessionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sk, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sk.Revoked {
		return nil
	}
	now := m.clock()
	sk.Revoked = true
	sk.RevokedAt = &now
	sk.Zero()
	if err := m.store.Update(ctx, sk); err != nil {
		return err
	}
	m.logEvent(ctx, sk, sk.ParentKeyID, "revoked", reason)
	return nil
}

// Rotate creates a fresh session key inheriting the prior key's
// constraints (allowlist, caps, forbid-infinite-approvals) under a new
// keypair, then revokes the prior key. The new key's duration restarts
// from now using the same length as the original grant.
func (m *Manager) Rotate(ctx context.Context, sessionID string, newPublicKey string, newPrivateKey []byte) (*SessionKey, error) {
	m.mu.Lock()
	prior, err := m.store.Get(ctx, sessionID)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if prior.Revoked {
		return nil, ErrKeyRevoked
	}

	fresh, err := m.Create(ctx, CreateParams{
		OwnerAddr:               prior.OwnerAddr,
		PublicKey:               newPublicKey,
		PrivateKey:              newPrivateKey,
		AllowedContracts:        prior.AllowedContracts,
		MaxValuePerTx:           prior.MaxValuePerTx,
		MaxDailyVolume:          prior.MaxDailyVolume,
		Duration:                prior.Duration,
		ForbidInfiniteApprovals: prior.ForbidInfiniteApprovals,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	fresh.ParentKeyID = prior.ID
	fresh.RootKeyID = rootOf(prior)
	fresh.Depth = prior.Depth + 1
	err = m.store.Update(ctx, fresh)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := m.Revoke(ctx, prior.ID, fmt.Sprintf("rotated to %s", fresh.ID)); err != nil {
		return nil, err
	}
	m.logEvent(ctx, fresh, prior.ID, "rotated", "")
	return fresh, nil
}

// Get returns a copy of a session key's current state.
func (m *Manager) Get(ctx context.Context, sessionID string) (*SessionKey, error) {
	return m.store.Get(ctx, sessionID)
}

func (m *Manager) logEvent(ctx context.Context, sk *SessionKey, parentID, eventType, reason string) {
	if m.audit == nil {
		return
	}
	var maxDaily string
	if sk.MaxDailyVolume != nil {
		maxDaily = sk.MaxDailyVolume.String()
	}
	_ = m.audit.LogEvent(ctx, &DelegationLogEntry{
		ParentKeyID:    parentID,
		ChildKeyID:     sk.ID,
		RootKeyID:      sk.RootKeyID,
		RootOwnerAddr:  sk.OwnerAddr,
		Depth:          sk.Depth,
		MaxDailyVolume: maxDaily,
		Reason:         reason,
		EventType:      eventType,
	})
}

func rootOf(sk *SessionKey) string {
	if sk.RootKeyID != "" {
		return sk.RootKeyID
	}
	return sk.ID
}

func fail(e *ValidationError) ValidationResult {
	return ValidationResult{Valid: false, Reason: e.Message, Code: e.Code}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// violatesInfiniteApprovalGuard reports whether calldata is an
// approve(address,uint256) with amount > 2^128, or any
// setApprovalForAll(address,true) call — the two forms spec.md §4.6 bars
// when a session forbids infinite approvals.
func violatesInfiniteApprovalGuard(data string) bool {
	data = strings.ToLower(strings.TrimPrefix(data, "0x"))
	if len(data) < 8 {
		return false
	}
	selector := "0x" + data[:8]
	switch selector {
	case selectorApprove:
		if len(data) < 8+64+64 {
			return false
		}
		amountHex := data[8+64:]
		amount, ok := new(big.Int).SetString(amountHex, 16)
		return ok && amount.Cmp(infiniteApprovalThreshold) > 0
	case selectorSetApprovalForAll:
		if len(data) < 8+64+64 {
			return false
		}
		approvedWord := data[8+64:]
		// ABI-encoded bool: all zero except the final byte, which must be 1.
		return strings.TrimLeft(approvedWord, "0") == "1"
	default:
		return false
	}
}
