package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Postgres keeps counters in the security_counters table so deployments
// without Redis still share state across instances.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

func (s *Postgres) Name() string {
	return "postgres"
}

func (s *Postgres) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value
		FROM security_counters
		WHERE key = $1 AND expires_at > $2
	`, key, s.now().UTC()).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, unavailable("get", err)
	}
	return value, true, nil
}

func (s *Postgres) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_counters (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key)
		DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`, key, value, now.Add(networkTTL(ttl)), now)
	if err != nil {
		return unavailable("put", err)
	}
	return nil
}

func (s *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM security_counters WHERE key = $1`, key); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *Postgres) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key
		FROM security_counters
		WHERE key LIKE $1 ESCAPE '\' AND expires_at > $2
		ORDER BY key ASC
	`, escapeLike(prefix)+"%", s.now().UTC())
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, unavailable("list", fmt.Errorf("scan key: %w", err))
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", err)
	}

	return keys, nil
}

func (s *Postgres) DeleteExpired(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT key
			FROM security_counters
			WHERE expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM security_counters t
		USING stale
		WHERE t.key = stale.key
	`, s.now().UTC(), batchSize)
	if err != nil {
		return 0, unavailable("delete expired", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired counters rows affected: %w", err)
	}

	return affected, nil
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}
