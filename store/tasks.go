package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cryoclim/hrwsi/products"
)

// Raw2ValidEvent is the wire form of a raw2valid_insertion payload.
type Raw2ValidEvent struct {
	TriggerValidationID int64  `json:"trigger_validation_id"`
	RawInputID          string `json:"raw_input_id"`
}

// DecodeRaw2ValidEvent parses a notification payload.
func DecodeRaw2ValidEvent(payload string) (Raw2ValidEvent, error) {
	var ev Raw2ValidEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, fmt.Errorf("decoding raw2valid event: %w", err)
	}
	if ev.RawInputID == "" || ev.TriggerValidationID == 0 {
		return ev, fmt.Errorf("raw2valid event %q is missing its ids", payload)
	}
	return ev, nil
}

// Payload re-encodes the event, for restart replays.
func (ev Raw2ValidEvent) Payload() string {
	b, _ := json.Marshal(ev)
	return string(b)
}

// UnorchestratedEdges lists raw2valid edges whose validation has no task
// yet. The orchestrator replays them at startup.
func (s *Store) UnorchestratedEdges(ctx context.Context) ([]Raw2ValidEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r2v.trigger_validation_id, r2v.raw_input_id
		FROM hrwsi.raw2valid r2v
		WHERE NOT EXISTS (
		    SELECT 1 FROM hrwsi.processing_tasks pt
		    WHERE pt.trigger_validation_fk_id = r2v.trigger_validation_id
		)`)
	if err != nil {
		return nil, fmt.Errorf("listing unorchestrated edges: %w", err)
	}
	defer rows.Close()

	var out []Raw2ValidEvent
	for rows.Next() {
		var ev Raw2ValidEvent
		if err = rows.Scan(&ev.TriggerValidationID, &ev.RawInputID); err != nil {
			return nil, fmt.Errorf("scanning raw2valid edge: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// TaskExistsForValidation probes the task-per-validation unique constraint.
func (s *Store) TaskExistsForValidation(ctx context.Context, validationID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM hrwsi.processing_tasks pt
		WHERE pt.trigger_validation_fk_id = $1)`, validationID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("probing task of validation %d: %w", validationID, err)
	}
	return exists, nil
}

// ValidationRule returns the rule name and artificial measurement day of a
// validation.
func (s *Store) ValidationRule(ctx context.Context, validationID int64) (string, *products.Day, error) {
	var (
		tc  string
		day *int
	)
	err := s.pool.QueryRow(ctx, `
		SELECT triggering_condition_name, artificial_measurement_day
		FROM hrwsi.trigger_validation WHERE id = $1`, validationID).Scan(&tc, &day)
	if err == pgx.ErrNoRows {
		return "", nil, fmt.Errorf("validation %d does not exist", validationID)
	}
	if err != nil {
		return "", nil, fmt.Errorf("reading validation %d: %w", validationID, err)
	}
	if day == nil {
		return tc, nil, nil
	}
	d := products.Day(*day)
	return tc, &d, nil
}

// InsertProcessingTask creates the task of a validation. A second insert for
// the same validation returns ErrConflict. The insert raises the
// processing_task_insertion notification consumed by the launchers.
func (s *Store) InsertProcessingTask(ctx context.Context, validationID int64, created time.Time, processingDay *products.Day) error {
	var day *int
	if processingDay != nil {
		d := int(*processingDay)
		day = &d
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hrwsi.processing_tasks
		  (trigger_validation_fk_id, creation_date, has_ended, processing_date)
		VALUES ($1, $2, false, to_date($3::text, 'YYYYMMDD'))`,
		validationID, created, day)
	if err != nil {
		return fmt.Errorf("inserting task of validation %d: %w", validationID, mapConflict(err))
	}
	return nil
}
