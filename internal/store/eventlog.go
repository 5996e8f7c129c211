package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomrun/loom/pkg/schema"
)

// AppendEvent appends to the instance's event log, assigning the next
// contiguous sequence. ID and At are filled when unset, and the assigned
// sequence is written back to the passed event.
func (s *LibSQLStore) AppendEvent(ctx context.Context, e *schema.Event) error {
	if e == nil || e.InstanceID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event instance id is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.At = timeOrNow(e.At)

	data, err := marshalNullable(e.Data, len(e.Data) == 0)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode event data").WithCause(err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStoreErr("append event", err)
	}
	defer tx.Rollback()

	// BeginTx starts a deferred transaction; the write lock is only taken
	// on the first write. Touch a row before reading MAX(sequence) so the
	// read and the insert happen under one lock and two appenders cannot
	// pick the same sequence.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return wrapStoreErr("append event", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return wrapStoreErr("append event", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE instance_id = ?`,
		e.InstanceID).Scan(&seq)
	if err != nil {
		return wrapStoreErr("next event sequence", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, instance_id, sequence, kind, step_id, data, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.InstanceID, seq, e.Kind, nullStr(e.StepID), data, e.At); err != nil {
		return wrapStoreErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapStoreErr("append event", err)
	}
	e.Sequence = seq
	return nil
}

// ListEvents returns events for an instance with sequence greater than
// afterSeq, in sequence order.
func (s *LibSQLStore) ListEvents(ctx context.Context, instanceID string, afterSeq int64, limit int) ([]*schema.Event, error) {
	query := `
		SELECT id, instance_id, sequence, kind, step_id, data, at
		FROM events
		WHERE instance_id = ? AND sequence > ?
		ORDER BY sequence ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, instanceID, afterSeq)
	if err != nil {
		return nil, wrapStoreErr("list events", err)
	}
	defer rows.Close()

	var out []*schema.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, wrapStoreErr("scan event", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReplayEvents returns the full log for an instance and verifies the
// sequence is contiguous from 1. A gap means the log was tampered with or
// partially deleted, and replaying it would reconstruct a wrong history.
func (s *LibSQLStore) ReplayEvents(ctx context.Context, instanceID string) ([]*schema.Event, error) {
	events, err := s.ListEvents(ctx, instanceID, 0, 0)
	if err != nil {
		return nil, err
	}
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"event log gap for instance %s: expected sequence %d, found %d",
				instanceID, expected, e.Sequence).WithInstance(instanceID)
		}
	}
	return events, nil
}

func scanEvent(sc rowScanner) (*schema.Event, error) {
	var (
		e      schema.Event
		stepID sql.NullString
		data   sql.NullString
	)
	err := sc.Scan(&e.ID, &e.InstanceID, &e.Sequence, &e.Kind, &stepID, &data, &e.At)
	if err != nil {
		return nil, err
	}
	e.StepID = stepID.String
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
			return nil, fmt.Errorf("decode event data: %w", err)
		}
	}
	return &e, nil
}
