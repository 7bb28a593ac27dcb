package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloud-shuttle/rigs/internal/store"
	"github.com/cloud-shuttle/rigs/pkg/types"
)

const beadColumns = `id, title, description, task_type, priority, status,
	estimated_tokens, actual_tokens, preferred_provider, assigned_provider,
	acceptance_criteria, convoy_id, attempts, optimized_prompt, output, error, error_kind,
	created_at, updated_at, started_at, completed_at, deferred_until`

// CreateBead inserts a bead and its dependency edges
func (s *Store) CreateBead(ctx context.Context, b *types.Bead) error {
	criteria, err := json.Marshal(nonNil(b.AcceptanceCriteria))
	if err != nil {
		return fmt.Errorf("encoding acceptance criteria: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	taken, err := exists(ctx, tx, "beads", "id", string(b.ID))
	if err != nil {
		return fmt.Errorf("checking bead %q: %w", b.ID, err)
	}
	if taken {
		return fmt.Errorf("creating bead %q: %w", b.ID, types.ErrAlreadyExists)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO beads (`+beadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(b.ID), b.Title, b.Description, string(b.TaskType), int(b.Priority), string(b.Status),
		b.EstimatedTokens, b.ActualTokens, string(b.PreferredProvider), string(b.AssignedProvider),
		string(criteria), b.ConvoyID, b.Attempts, b.OptimizedPrompt, b.Output, b.Error, string(b.ErrorKind),
		toNanos(b.CreatedAt), toNanos(b.UpdatedAt), nullNanos(b.StartedAt), nullNanos(b.CompletedAt), nullNanos(b.DeferredUntil))
	if err != nil {
		return fmt.Errorf("inserting bead %q: %w", b.ID, err)
	}

	if err := insertDependencies(ctx, tx, b); err != nil {
		return err
	}

	return tx.Commit()
}

func insertDependencies(ctx context.Context, tx *sql.Tx, b *types.Bead) error {
	for i, dep := range b.Dependencies {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bead_dependencies (bead_id, depends_on, position) VALUES (?, ?, ?)
		`, string(b.ID), string(dep), i)
		if err != nil {
			return fmt.Errorf("adding dependency %s -> %s: %w", b.ID, dep, err)
		}
	}
	return nil
}

// GetBead retrieves a bead by ID
func (s *Store) GetBead(ctx context.Context, id types.BeadID) (*types.Bead, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+beadColumns+` FROM beads WHERE id = ?`, string(id))
	b, err := scanBead(row)
	if err != nil {
		return nil, notFound("getting bead", id, err)
	}
	deps, err := s.dependencies(ctx, []types.BeadID{id})
	if err != nil {
		return nil, err
	}
	b.Dependencies = deps[id]
	return b, nil
}

// UpdateBead replaces a bead's stored fields and dependency edges
func (s *Store) UpdateBead(ctx context.Context, b *types.Bead) error {
	criteria, err := json.Marshal(nonNil(b.AcceptanceCriteria))
	if err != nil {
		return fmt.Errorf("encoding acceptance criteria: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	found, err := exists(ctx, tx, "beads", "id", string(b.ID))
	if err != nil {
		return fmt.Errorf("checking bead %q: %w", b.ID, err)
	}
	if !found {
		return fmt.Errorf("updating bead %q: %w", b.ID, types.ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE beads SET
			title = ?, description = ?, task_type = ?, priority = ?, status = ?,
			estimated_tokens = ?, actual_tokens = ?, preferred_provider = ?, assigned_provider = ?,
			acceptance_criteria = ?, convoy_id = ?, attempts = ?, optimized_prompt = ?,
			output = ?, error = ?, error_kind = ?, created_at = ?, updated_at = ?,
			started_at = ?, completed_at = ?, deferred_until = ?
		WHERE id = ?
	`, b.Title, b.Description, string(b.TaskType), int(b.Priority), string(b.Status),
		b.EstimatedTokens, b.ActualTokens, string(b.PreferredProvider), string(b.AssignedProvider),
		string(criteria), b.ConvoyID, b.Attempts, b.OptimizedPrompt,
		b.Output, b.Error, string(b.ErrorKind), toNanos(b.CreatedAt), toNanos(b.UpdatedAt),
		nullNanos(b.StartedAt), nullNanos(b.CompletedAt), nullNanos(b.DeferredUntil),
		string(b.ID))
	if err != nil {
		return fmt.Errorf("updating bead %q: %w", b.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM bead_dependencies WHERE bead_id = ?`, string(b.ID)); err != nil {
		return fmt.Errorf("clearing dependencies of %q: %w", b.ID, err)
	}
	if err := insertDependencies(ctx, tx, b); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteBead removes a bead; edges pointing at it go with it
func (s *Store) DeleteBead(ctx context.Context, id types.BeadID) error {
	result, err := s.DB.ExecContext(ctx, `DELETE FROM beads WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("deleting bead %q: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting bead %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("deleting bead %q: %w", id, types.ErrNotFound)
	}
	return nil
}

// ListBeads returns beads matching the filter in creation order
func (s *Store) ListBeads(ctx context.Context, f store.BeadFilter) ([]*types.Bead, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ConvoyID != "" {
		where = append(where, "convoy_id = ?")
		args = append(args, f.ConvoyID)
	}

	query := `SELECT ` + beadColumns + ` FROM beads`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + s.insertOrder()
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return s.queryBeads(ctx, query, args...)
}

// ListBeadsByStatus returns beads with the given status
func (s *Store) ListBeadsByStatus(ctx context.Context, status types.BeadStatus) ([]*types.Bead, error) {
	return s.ListBeads(ctx, store.BeadFilter{Status: status})
}

// ListBeadsByConvoy returns the beads belonging to a convoy
func (s *Store) ListBeadsByConvoy(ctx context.Context, convoyID string) ([]*types.Bead, error) {
	return s.ListBeads(ctx, store.BeadFilter{ConvoyID: convoyID})
}

// PendingOrdered returns Pending and Queued beads in dispatch order
func (s *Store) PendingOrdered(ctx context.Context) ([]*types.Bead, error) {
	return s.queryBeads(ctx, `
		SELECT `+beadColumns+` FROM beads
		WHERE status IN (?, ?)
		ORDER BY priority DESC, created_at ASC, id ASC
	`, string(types.BeadStatusPending), string(types.BeadStatusQueued))
}

// DeferredReady returns Deferred beads whose wait has elapsed
func (s *Store) DeferredReady(ctx context.Context, now time.Time) ([]*types.Bead, error) {
	return s.queryBeads(ctx, `
		SELECT `+beadColumns+` FROM beads
		WHERE status = ? AND (deferred_until IS NULL OR deferred_until <= ?)
		ORDER BY priority DESC, created_at ASC, id ASC
	`, string(types.BeadStatusDeferred), toNanos(now))
}

func (s *Store) queryBeads(ctx context.Context, query string, args ...any) ([]*types.Bead, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying beads: %w", err)
	}

	var beads []*types.Bead
	for rows.Next() {
		b, err := scanBead(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning bead: %w", err)
		}
		beads = append(beads, b)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Dependencies are loaded after the cursor is released; SQLite runs on
	// a single connection.
	ids := make([]types.BeadID, len(beads))
	for i, b := range beads {
		ids[i] = b.ID
	}
	deps, err := s.dependencies(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, b := range beads {
		b.Dependencies = deps[b.ID]
	}
	return beads, nil
}

// dependencies loads the ordered dependency lists of the given beads
func (s *Store) dependencies(ctx context.Context, ids []types.BeadID) (map[types.BeadID][]types.BeadID, error) {
	out := make(map[types.BeadID][]types.BeadID, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT bead_id, depends_on FROM bead_dependencies
		WHERE bead_id IN (`+placeholders+`)
		ORDER BY bead_id, position
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, dep string
		if err := rows.Scan(&id, &dep); err != nil {
			return nil, fmt.Errorf("scanning dependency: %w", err)
		}
		out[types.BeadID(id)] = append(out[types.BeadID(id)], types.BeadID(dep))
	}
	return out, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanBead(row scanner) (*types.Bead, error) {
	var b types.Bead
	var id, taskType, status, preferred, assigned, criteria, errorKind string
	var priority int
	var createdAt, updatedAt int64
	var startedAt, completedAt, deferredUntil sql.NullInt64

	err := row.Scan(&id, &b.Title, &b.Description, &taskType, &priority, &status,
		&b.EstimatedTokens, &b.ActualTokens, &preferred, &assigned,
		&criteria, &b.ConvoyID, &b.Attempts, &b.OptimizedPrompt, &b.Output, &b.Error, &errorKind,
		&createdAt, &updatedAt, &startedAt, &completedAt, &deferredUntil)
	if err != nil {
		return nil, err
	}

	b.ID = types.BeadID(id)
	b.TaskType = types.TaskType(taskType)
	b.Priority = types.Priority(priority)
	b.Status = types.BeadStatus(status)
	b.PreferredProvider = types.Provider(preferred)
	b.AssignedProvider = types.Provider(assigned)
	b.ErrorKind = types.ErrorKind(errorKind)
	b.CreatedAt = fromNanos(createdAt)
	b.UpdatedAt = fromNanos(updatedAt)
	b.StartedAt = timePtr(startedAt)
	b.CompletedAt = timePtr(completedAt)
	b.DeferredUntil = timePtr(deferredUntil)

	if criteria != "" {
		if err := json.Unmarshal([]byte(criteria), &b.AcceptanceCriteria); err != nil {
			return nil, fmt.Errorf("decoding acceptance criteria of %s: %w", id, err)
		}
	}
	if len(b.AcceptanceCriteria) == 0 {
		b.AcceptanceCriteria = nil
	}
	return &b, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
