package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/seanblong/folio/internal/ledger"
)

// LedgerStore keeps one usage row per period in the usage_ledger table and
// implements compare-and-swap on its version column.
type LedgerStore struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*LedgerStore)(nil)

func (s *LedgerStore) Get(ctx context.Context, key ledger.PeriodKey) (ledger.Snapshot, bool, error) {
	var version int64
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT version, usage FROM usage_ledger WHERE period = $1`, string(key)).
		Scan(&version, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Snapshot{}, false, nil
		}
		return ledger.Snapshot{}, false, err
	}
	var u ledger.Usage
	if err := json.Unmarshal(raw, &u); err != nil {
		return ledger.Snapshot{}, false, err
	}
	if u.Daily == nil {
		u.Daily = map[string]ledger.Bucket{}
	}
	return ledger.Snapshot{Usage: u, Version: version}, true, nil
}

func (s *LedgerStore) CompareAndSwap(ctx context.Context, key ledger.PeriodKey, version int64, u ledger.Usage) (bool, error) {
	raw, err := json.Marshal(u)
	if err != nil {
		return false, err
	}
	if version == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO usage_ledger (period, version, usage, updated_at)
			VALUES ($1, 1, $2::jsonb, now())
			ON CONFLICT (period) DO NOTHING`, string(key), string(raw))
		if err != nil {
			return false, err
		}
		return tag.RowsAffected() == 1, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE usage_ledger
		SET usage = $3::jsonb, version = version + 1, updated_at = now()
		WHERE period = $1 AND version = $2`, string(key), version, string(raw))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *LedgerStore) Set(ctx context.Context, key ledger.PeriodKey, u ledger.Usage) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO usage_ledger (period, version, usage, updated_at)
		VALUES ($1, 1, $2::jsonb, now())
		ON CONFLICT (period) DO UPDATE SET
			usage = EXCLUDED.usage,
			version = usage_ledger.version + 1,
			updated_at = now()`, string(key), string(raw))
	return err
}
