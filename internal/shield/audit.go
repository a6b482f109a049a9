package shield

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/lib/pq"

	"github.com/mbd888/wardex/internal/evalctx"
)

// defaultAuditCapacity is the audit ring buffer size from spec.md §4.3.
const defaultAuditCapacity = 10000

// AuditStore persists audit entries durably, alongside the shield's
// in-process ring buffer. Grounded on
// internal/sessionkeys/delegation_audit.go's DelegationAuditLogger
// interface and its Memory/Postgres implementation pair.
type AuditStore interface {
	LogEntry(ctx context.Context, entry evalctx.AuditEntry) error
}

// auditLog is a fixed-capacity FIFO ring buffer of audit entries, the
// structure spec.md §4.3 names directly ("audit ring buffer, capacity
// 10 000"). It is always present; an AuditStore is an optional secondary
// sink for durable/long-term retention.
type auditLog struct {
	mu       sync.Mutex
	entries  []evalctx.AuditEntry
	capacity int
	store    AuditStore
}

func newAuditLog(capacity int) *auditLog {
	if capacity <= 0 {
		capacity = defaultAuditCapacity
	}
	return &auditLog{capacity: capacity}
}

// withStore attaches a durable AuditStore. Writes to it happen off the
// hot path so a slow or unreachable store never blocks an evaluation.
func (a *auditLog) withStore(store AuditStore) *auditLog {
	a.store = store
	return a
}

func (a *auditLog) append(e evalctx.AuditEntry) {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	if len(a.entries) > a.capacity {
		overflow := len(a.entries) - a.capacity
		a.entries = a.entries[overflow:]
	}
	store := a.store
	a.mu.Unlock()

	if store != nil {
		go func() {
			_ = store.LogEntry(context.Background(), e)
		}()
	}
}

// tail returns a defensive copy of the most recent n entries, or all of
// them when n <= 0.
func (a *auditLog) tail(n int) []evalctx.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	src := a.entries
	if n > 0 && n < len(src) {
		src = src[len(src)-n:]
	}
	out := make([]evalctx.AuditEntry, len(src))
	copy(out, src)
	return out
}

// recentDecisions returns the decisions of the most recent n entries,
// oldest first, for auto-freeze evaluation.
func (a *auditLog) recentDecisions(n int) []evalctx.Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	src := a.entries
	if n < len(src) {
		src = src[len(src)-n:]
	}
	out := make([]evalctx.Decision, len(src))
	for i, e := range src {
		out[i] = e.Verdict.Decision
	}
	return out
}

// PostgresAuditStore persists audit entries for long-term/compliance
// retention beyond the in-process ring buffer's capacity. Grounded on
// internal/sessionkeys/delegation_audit.go's PostgresAuditLogger,
// including its pq.Array use for a string-slice column — here the
// verdict's reason codes rather than a delegation ancestor chain.
type PostgresAuditStore struct {
	db *sql.DB
}

func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (p *PostgresAuditStore) LogEntry(ctx context.Context, entry evalctx.AuditEntry) error {
	codes := make([]string, len(entry.Verdict.Reasons))
	for i, r := range entry.Verdict.Reasons {
		codes[i] = r.Code
	}
	valueWei := "0"
	if entry.Transaction.Value != nil {
		valueWei = entry.Transaction.Value.String()
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO evaluation_audit_log (
			evaluation_id, occurred_at, to_address, value_wei, decision,
			composite_score, tier_id, reason_codes, executed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (evaluation_id) DO NOTHING
	`,
		entry.EvaluationID,
		entry.Timestamp,
		entry.Transaction.To,
		valueWei,
		string(entry.Verdict.Decision),
		entry.Verdict.Scores.Composite,
		entry.Verdict.TierID,
		pq.Array(codes),
		entry.Executed,
	)
	if err != nil {
		return fmt.Errorf("shield: persist audit entry: %w", err)
	}
	return nil
}
