package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

// CreateConvoy inserts a convoy and its bead membership
func (s *Store) CreateConvoy(ctx context.Context, c *types.Convoy) error {
	metadata, err := encodeMetadata(c.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	taken, err := exists(ctx, tx, "convoys", "id", c.ID)
	if err != nil {
		return fmt.Errorf("checking convoy %q: %w", c.ID, err)
	}
	if taken {
		return fmt.Errorf("creating convoy %q: %w", c.ID, types.ErrAlreadyExists)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO convoys (id, name, goal, status, metadata, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Name, c.Goal, string(c.Status), metadata, toNanos(c.CreatedAt), nullNanos(c.CompletedAt))
	if err != nil {
		return fmt.Errorf("inserting convoy %q: %w", c.ID, err)
	}

	if err := insertMembers(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

// GetConvoy retrieves a convoy by ID
func (s *Store) GetConvoy(ctx context.Context, id string) (*types.Convoy, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, name, goal, status, metadata, created_at, completed_at FROM convoys WHERE id = ?
	`, id)
	c, err := scanConvoy(row)
	if err != nil {
		return nil, notFound("getting convoy", id, err)
	}
	if err := s.loadMembers(ctx, []*types.Convoy{c}); err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateConvoy replaces a convoy's stored fields and membership
func (s *Store) UpdateConvoy(ctx context.Context, c *types.Convoy) error {
	metadata, err := encodeMetadata(c.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	found, err := exists(ctx, tx, "convoys", "id", c.ID)
	if err != nil {
		return fmt.Errorf("checking convoy %q: %w", c.ID, err)
	}
	if !found {
		return fmt.Errorf("updating convoy %q: %w", c.ID, types.ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE convoys SET name = ?, goal = ?, status = ?, metadata = ?, created_at = ?, completed_at = ?
		WHERE id = ?
	`, c.Name, c.Goal, string(c.Status), metadata, toNanos(c.CreatedAt), nullNanos(c.CompletedAt), c.ID)
	if err != nil {
		return fmt.Errorf("updating convoy %q: %w", c.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM convoy_beads WHERE convoy_id = ?`, c.ID); err != nil {
		return fmt.Errorf("clearing members of %q: %w", c.ID, err)
	}
	if err := insertMembers(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

// ListConvoys returns every convoy in creation order
func (s *Store) ListConvoys(ctx context.Context) ([]*types.Convoy, error) {
	return s.queryConvoys(ctx, `
		SELECT id, name, goal, status, metadata, created_at, completed_at FROM convoys
		ORDER BY `+s.insertOrder())
}

// ListActiveConvoys returns convoys that have not finished
func (s *Store) ListActiveConvoys(ctx context.Context) ([]*types.Convoy, error) {
	return s.queryConvoys(ctx, `
		SELECT id, name, goal, status, metadata, created_at, completed_at FROM convoys
		WHERE status NOT IN (?, ?)
		ORDER BY `+s.insertOrder(), string(types.ConvoyStatusCompleted), string(types.ConvoyStatusFailed))
}

func (s *Store) queryConvoys(ctx context.Context, query string, args ...any) ([]*types.Convoy, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying convoys: %w", err)
	}

	var convoys []*types.Convoy
	for rows.Next() {
		c, err := scanConvoy(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning convoy: %w", err)
		}
		convoys = append(convoys, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := s.loadMembers(ctx, convoys); err != nil {
		return nil, err
	}
	return convoys, nil
}

func (s *Store) loadMembers(ctx context.Context, convoys []*types.Convoy) error {
	for _, c := range convoys {
		rows, err := s.DB.QueryContext(ctx, `
			SELECT bead_id FROM convoy_beads WHERE convoy_id = ? ORDER BY position
		`, c.ID)
		if err != nil {
			return fmt.Errorf("querying members of %q: %w", c.ID, err)
		}
		c.Beads = []types.BeadID{}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scanning member: %w", err)
			}
			c.Beads = append(c.Beads, types.BeadID(id))
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func insertMembers(ctx context.Context, tx *sql.Tx, c *types.Convoy) error {
	for i, id := range c.Beads {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO convoy_beads (convoy_id, bead_id, position) VALUES (?, ?, ?)
		`, c.ID, string(id), i)
		if err != nil {
			return fmt.Errorf("adding %s to convoy %q: %w", id, c.ID, err)
		}
	}
	return nil
}

func scanConvoy(row scanner) (*types.Convoy, error) {
	var c types.Convoy
	var status, metadata string
	var createdAt int64
	var completedAt sql.NullInt64

	if err := row.Scan(&c.ID, &c.Name, &c.Goal, &status, &metadata, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	c.Status = types.ConvoyStatus(status)
	c.CreatedAt = fromNanos(createdAt)
	c.CompletedAt = timePtr(completedAt)
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &c.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding convoy metadata: %w", err)
	}
	return string(data), nil
}
