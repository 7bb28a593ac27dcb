package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

const tankColumns = `provider, capacity, remaining, window_start, window_end,
	threshold_yellow, threshold_red, requests_this_window, tokens_this_window,
	last_request, updated_at`

// GetTank retrieves the tank for a provider
func (s *Store) GetTank(ctx context.Context, p types.Provider) (*types.Tank, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+tankColumns+` FROM tanks WHERE provider = ?`, string(p))
	t, err := scanTank(row)
	if err != nil {
		return nil, notFound("getting tank", p, err)
	}
	return t, nil
}

// ListTanks returns every stored tank in provider order
func (s *Store) ListTanks(ctx context.Context) ([]*types.Tank, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+tankColumns+` FROM tanks`)
	if err != nil {
		return nil, fmt.Errorf("querying tanks: %w", err)
	}
	defer rows.Close()

	byProvider := make(map[types.Provider]*types.Tank)
	for rows.Next() {
		t, err := scanTank(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tank: %w", err)
		}
		byProvider[t.Provider] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var tanks []*types.Tank
	for _, p := range types.AllProviders {
		if t, ok := byProvider[p]; ok {
			tanks = append(tanks, t)
		}
	}
	return tanks, nil
}

// UpsertTank inserts or replaces a provider's tank
func (s *Store) UpsertTank(ctx context.Context, t *types.Tank) error {
	query := `
		INSERT INTO tanks (` + tankColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			capacity = excluded.capacity,
			remaining = excluded.remaining,
			window_start = excluded.window_start,
			window_end = excluded.window_end,
			threshold_yellow = excluded.threshold_yellow,
			threshold_red = excluded.threshold_red,
			requests_this_window = excluded.requests_this_window,
			tokens_this_window = excluded.tokens_this_window,
			last_request = excluded.last_request,
			updated_at = excluded.updated_at`
	if s.dialect == DialectMySQL {
		query = `
		INSERT INTO tanks (` + tankColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			capacity = VALUES(capacity),
			remaining = VALUES(remaining),
			window_start = VALUES(window_start),
			window_end = VALUES(window_end),
			threshold_yellow = VALUES(threshold_yellow),
			threshold_red = VALUES(threshold_red),
			requests_this_window = VALUES(requests_this_window),
			tokens_this_window = VALUES(tokens_this_window),
			last_request = VALUES(last_request),
			updated_at = VALUES(updated_at)`
	}

	_, err := s.DB.ExecContext(ctx, query,
		string(t.Provider), t.Capacity, t.Remaining, toNanos(t.WindowStart), toNanos(t.WindowEnd),
		t.YellowThreshold, t.RedThreshold, t.RequestsThisWindow, t.TokensThisWindow,
		nullNanos(t.LastRequest), toNanos(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting tank %q: %w", t.Provider, err)
	}
	return nil
}

// RecordUsage appends an entry to the usage ledger
func (s *Store) RecordUsage(ctx context.Context, rec types.UsageRecord) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tank_usage (id, provider, bead_id, kind, tokens, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, string(rec.Provider), string(rec.BeadID), string(rec.Kind), rec.Tokens, toNanos(rec.At))
	if err != nil {
		return fmt.Errorf("recording usage for %s: %w", rec.Provider, err)
	}
	return nil
}

// UsageSince sums the signed ledger tokens for a provider since a point in time
func (s *Store) UsageSince(ctx context.Context, p types.Provider, since time.Time) (int64, error) {
	var total sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT SUM(tokens) FROM tank_usage WHERE provider = ? AND recorded_at >= ?
	`, string(p), toNanos(since)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing usage for %s: %w", p, err)
	}
	return total.Int64, nil
}

// ListUsage returns ledger entries newest first
func (s *Store) ListUsage(ctx context.Context, p types.Provider, since time.Time) ([]types.UsageRecord, error) {
	query := `SELECT id, provider, bead_id, kind, tokens, recorded_at FROM tank_usage WHERE recorded_at >= ?`
	args := []any{toNanos(since)}
	if p != "" {
		query += ` AND provider = ?`
		args = append(args, string(p))
	}
	query += ` ORDER BY recorded_at DESC, ` + s.insertOrder() + ` DESC`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer rows.Close()

	var out []types.UsageRecord
	for rows.Next() {
		var rec types.UsageRecord
		var provider, beadID, kind string
		var at int64
		if err := rows.Scan(&rec.ID, &provider, &beadID, &kind, &rec.Tokens, &at); err != nil {
			return nil, fmt.Errorf("scanning usage: %w", err)
		}
		rec.Provider = types.Provider(provider)
		rec.BeadID = types.BeadID(beadID)
		rec.Kind = types.UsageKind(kind)
		rec.At = fromNanos(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanTank(row scanner) (*types.Tank, error) {
	var t types.Tank
	var provider string
	var windowStart, windowEnd, updatedAt int64
	var lastRequest sql.NullInt64

	err := row.Scan(&provider, &t.Capacity, &t.Remaining, &windowStart, &windowEnd,
		&t.YellowThreshold, &t.RedThreshold, &t.RequestsThisWindow, &t.TokensThisWindow,
		&lastRequest, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Provider = types.Provider(provider)
	t.WindowStart = fromNanos(windowStart)
	t.WindowEnd = fromNanos(windowEnd)
	t.LastRequest = timePtr(lastRequest)
	t.UpdatedAt = fromNanos(updatedAt)
	t.RefreshHealth()
	return &t, nil
}
