package sessionkeys

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL. Private key material is
// never persisted here — it lives only in the signer process's memory and
// is handed to the manager in-process at creation/rotation time.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, key *SessionKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO session_keys (
			id, owner_address, public_key,
			allowed_contracts, max_value_per_tx, max_daily_volume,
			start_time, duration_seconds, forbid_infinite_approvals,
			daily_used, last_reset_day,
			revoked, revoked_at, created_at,
			parent_key_id, root_key_id, depth
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		key.ID,
		strings.ToLower(key.OwnerAddr),
		key.PublicKey,
		pq.Array(key.AllowedContracts),
		bigString(key.MaxValuePerTx),
		bigString(key.MaxDailyVolume),
		key.StartTime,
		int64(key.Duration/time.Second),
		key.ForbidInfiniteApprovals,
		bigString(key.DailyUsed),
		key.LastResetDay,
		key.Revoked,
		nullTime(timePtr(key.RevokedAt)),
		key.CreatedAt,
		nullString(key.ParentKeyID),
		nullString(key.RootKeyID),
		key.Depth,
	)
	if err != nil {
		return fmt.Errorf("failed to create session key: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*SessionKey, error) {
	var key SessionKey
	var maxValuePerTx, maxDailyVolume, dailyUsed string
	var durationSeconds int64
	var revokedAt sql.NullTime
	var parentKeyID, rootKeyID sql.NullString

	err := p.db.QueryRowContext(ctx, `
		SELECT
			id, owner_address, public_key,
			allowed_contracts, max_value_per_tx, max_daily_volume,
			start_time, duration_seconds, forbid_infinite_approvals,
			daily_used, last_reset_day,
			revoked, revoked_at, created_at,
			parent_key_id, root_key_id, depth
		FROM session_keys WHERE id = $1
	`, id).Scan(
		&key.ID,
		&key.OwnerAddr,
		&key.PublicKey,
		pq.Array(&key.AllowedContracts),
		&maxValuePerTx,
		&maxDailyVolume,
		&key.StartTime,
		&durationSeconds,
		&key.ForbidInfiniteApprovals,
		&dailyUsed,
		&key.LastResetDay,
		&key.Revoked,
		&revokedAt,
		&key.CreatedAt,
		&parentKeyID,
		&rootKeyID,
		&key.Depth,
	)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session key: %w", err)
	}

	key.MaxValuePerTx = parseBig(maxValuePerTx)
	key.MaxDailyVolume = parseBig(maxDailyVolume)
	key.DailyUsed = parseBig(dailyUsed)
	key.Duration = time.Duration(durationSeconds) * time.Second
	key.ParentKeyID = parentKeyID.String
	key.RootKeyID = rootKeyID.String
	if revokedAt.Valid {
		key.RevokedAt = &revokedAt.Time
	}

	return &key, nil
}

func (p *PostgresStore) GetByOwner(ctx context.Context, ownerAddr string) ([]*SessionKey, error) {
	return p.listByQuery(ctx, `SELECT id FROM session_keys WHERE owner_address = $1 ORDER BY created_at DESC`, strings.ToLower(ownerAddr))
}

func (p *PostgresStore) GetByParent(ctx context.Context, parentKeyID string) ([]*SessionKey, error) {
	return p.listByQuery(ctx, `SELECT id FROM session_keys WHERE parent_key_id = $1 ORDER BY created_at DESC`, parentKeyID)
}

func (p *PostgresStore) listByQuery(ctx context.Context, query string, arg string) ([]*SessionKey, error) {
	rows, err := p.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list session keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*SessionKey
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		if key, err := p.Get(ctx, id); err == nil {
			keys = append(keys, key)
		}
	}
	return keys, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, key *SessionKey) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE session_keys SET
			daily_used = $1,
			last_reset_day = $2,
			revoked = $3,
			revoked_at = $4,
			parent_key_id = $5,
			root_key_id = $6,
			depth = $7
		WHERE id = $8
	`,
		bigString(key.DailyUsed),
		key.LastResetDay,
		key.Revoked,
		nullTime(timePtr(key.RevokedAt)),
		nullString(key.ParentKeyID),
		nullString(key.RootKeyID),
		key.Depth,
		key.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session key: %w", err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM session_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session key: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (p *PostgresStore) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM session_keys
		WHERE revoked = false AND start_time + (duration_seconds * INTERVAL '1 second') > NOW()
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active keys: %w", err)
	}
	return count, nil
}

// Helpers

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func timePtr(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}
