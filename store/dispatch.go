package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cryoclim/hrwsi/products"
)

// TaskEvent is the wire form of a processing_task_insertion payload. The
// insert trigger joins in the routine flavour, so launchers of other
// flavours can discard the event without a query.
type TaskEvent struct {
	ID                  int64            `json:"id"`
	TriggerValidationID int64            `json:"trigger_validation_fk_id"`
	Flavour             products.Flavour `json:"flavour"`
}

// DecodeTaskEvent parses a notification payload.
func DecodeTaskEvent(payload string) (TaskEvent, error) {
	var ev TaskEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, fmt.Errorf("decoding task event: %w", err)
	}
	if ev.ID == 0 {
		return ev, fmt.Errorf("task event %q is missing its id", payload)
	}
	if ev.Flavour == "" {
		return ev, fmt.Errorf("task event %q is missing its flavour", payload)
	}
	return ev, nil
}

// Payload re-encodes the event, for restart replays.
func (ev TaskEvent) Payload() string {
	b, _ := json.Marshal(ev)
	return string(b)
}

// Task is one processing task joined with its routine flavour.
type Task struct {
	ID                    int64
	TriggerValidationID   int64
	CreationDate          time.Time
	ProcessingDate        *time.Time
	PrecedingInputID      *string
	HasEnded              bool
	IntermediateFilesPath *string
	Flavour               products.Flavour
}

const taskColumns = `pt.id, pt.trigger_validation_fk_id, pt.creation_date,
pt.processing_date, pt.preceding_input_id, pt.has_ended, pt.intermediate_files_path, pr.flavour`

const taskRoutineJoin = `
FROM hrwsi.processing_tasks pt
INNER JOIN hrwsi.trigger_validation tv ON pt.trigger_validation_fk_id = tv.id
INNER JOIN hrwsi.raw2valid rv ON tv.id = rv.trigger_validation_id
INNER JOIN hrwsi.raw_inputs ri ON rv.raw_input_id = ri.id
INNER JOIN hrwsi.triggering_condition tc ON tc.name = tv.triggering_condition_name
INNER JOIN hrwsi.processing_routine pr ON tc.processing_routine_name = pr.name`

func scanTasks(rows pgx.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.TriggerValidationID, &t.CreationDate,
			&t.ProcessingDate, &t.PrecedingInputID, &t.HasEnded,
			&t.IntermediateFilesPath, &t.Flavour); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TaskForFlavour loads a task by id when its routine runs on the given
// flavour; ok=false when it exists but belongs to another launcher.
func (s *Store) TaskForFlavour(ctx context.Context, taskID int64, flavour products.Flavour) (Task, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT `+taskColumns+taskRoutineJoin+`
		WHERE pt.id = $1 AND pr.flavour = $2`, taskID, flavour)
	if err != nil {
		return Task{}, false, fmt.Errorf("loading task %d: %w", taskID, err)
	}
	tasks, err := scanTasks(rows)
	if err != nil || len(tasks) == 0 {
		return Task{}, false, err
	}
	return tasks[0], true, nil
}

// UndispatchedTasks lists NRT-side tasks of a flavour that were never
// submitted to the scheduler. cutover bounds the NRT production from below.
func (s *Store) UndispatchedTasks(ctx context.Context, flavour products.Flavour, cutover products.Day) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT `+taskColumns+taskRoutineJoin+`
		WHERE pr.flavour = $1
		AND ri.measurement_day >= $2
		AND NOT EXISTS (
		    SELECT 1 FROM hrwsi.processingtask2nomad ptn
		    WHERE ptn.processing_task_id = pt.id
		)`, flavour, int(cutover))
	if err != nil {
		return nil, fmt.Errorf("listing undispatched tasks: %w", err)
	}
	return scanTasks(rows)
}

// InErrorTasks lists open NRT-side tasks of a flavour whose workflow carries
// an error status, candidates for a relaunch.
func (s *Store) InErrorTasks(ctx context.Context, flavour products.Flavour, cutover products.Day) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT `+taskColumns+taskRoutineJoin+`
		INNER JOIN hrwsi.processingtask2nomad p2n ON p2n.processing_task_id = pt.id
		INNER JOIN hrwsi.nomad_job_dispatch njd ON njd.id = p2n.nomad_job_id
		INNER JOIN hrwsi.processing_status_workflow psw ON psw.nomad_job_dispatch_fk_id = njd.id
		WHERE pr.flavour = $1
		AND ri.measurement_day >= $2
		AND pt.has_ended = FALSE
		AND psw.processing_status_id IN (4, 5)`, flavour, int(cutover))
	if err != nil {
		return nil, fmt.Errorf("listing in-error tasks: %w", err)
	}
	return scanTasks(rows)
}

// DispatchedTask is an open dispatched task with its latest dispatch and the
// routine's expected duration.
type DispatchedTask struct {
	Task
	DispatchID      uuid.UUID
	DispatchDate    time.Time
	DurationMinutes int
}

// UnfinishedDispatches lists open dispatched NRT-side tasks of a flavour,
// the candidate set of the lost-job sweeper.
func (s *Store) UnfinishedDispatches(ctx context.Context, flavour products.Flavour, cutover products.Day) ([]DispatchedTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT `+taskColumns+`, njd.id, njd.dispatch_date, pr.duration
		`+taskRoutineJoin+`
		INNER JOIN hrwsi.processingtask2nomad p2n ON p2n.processing_task_id = pt.id
		INNER JOIN hrwsi.nomad_job_dispatch njd ON njd.id = p2n.nomad_job_id
		WHERE pr.flavour = $1
		AND pt.has_ended = FALSE
		AND ri.measurement_day >= $2`, flavour, int(cutover))
	if err != nil {
		return nil, fmt.Errorf("listing unfinished dispatches: %w", err)
	}
	defer rows.Close()

	var out []DispatchedTask
	for rows.Next() {
		var d DispatchedTask
		if err = rows.Scan(&d.ID, &d.TriggerValidationID, &d.CreationDate,
			&d.ProcessingDate, &d.PrecedingInputID, &d.HasEnded,
			&d.IntermediateFilesPath, &d.Flavour,
			&d.DispatchID, &d.DispatchDate, &d.DurationMinutes); err != nil {
			return nil, fmt.Errorf("scanning dispatched task: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CallbackDispatchIDs returns the dispatch ids of open NRT-side tasks that
// have reported at least one status.
func (s *Store) CallbackDispatchIDs(ctx context.Context, flavour products.Flavour, cutover products.Day) (map[uuid.UUID]struct{}, error) {
	return s.dispatchIDSet(ctx, flavour, cutover, "")
}

// ExitCodeDispatchIDs returns the dispatch ids of open NRT-side tasks whose
// workflow carries an exit code.
func (s *Store) ExitCodeDispatchIDs(ctx context.Context, flavour products.Flavour, cutover products.Day) (map[uuid.UUID]struct{}, error) {
	return s.dispatchIDSet(ctx, flavour, cutover, "AND psw.exit_code IS NOT NULL")
}

func (s *Store) dispatchIDSet(ctx context.Context, flavour products.Flavour, cutover products.Day, extra string) (map[uuid.UUID]struct{}, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT njd.id
		`+taskRoutineJoin+`
		INNER JOIN hrwsi.processingtask2nomad p2n ON p2n.processing_task_id = pt.id
		INNER JOIN hrwsi.nomad_job_dispatch njd ON njd.id = p2n.nomad_job_id
		INNER JOIN hrwsi.processing_status_workflow psw ON psw.nomad_job_dispatch_fk_id = njd.id
		WHERE pr.flavour = $1
		AND pt.has_ended = FALSE
		AND ri.measurement_day >= $2 `+extra, flavour, int(cutover))
	if err != nil {
		return nil, fmt.Errorf("listing dispatch ids: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]struct{})
	for rows.Next() {
		var id uuid.UUID
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning dispatch id: %w", err)
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// ArchiveTasks lists undispatched back-fill tasks of a flavour within a
// measurement-day window, restricted to the production tile list.
func (s *Store) ArchiveTasks(ctx context.Context, flavour products.Flavour, tiles []string, minDay, maxDay products.Day) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT pt.id, pt.trigger_validation_fk_id, pt.creation_date,
		pt.processing_date, pt.preceding_input_id, pt.has_ended, pt.intermediate_files_path, pr.flavour
		FROM hrwsi.processing_tasks pt
		INNER JOIN hrwsi.trigger_validation tv ON pt.trigger_validation_fk_id = tv.id
		INNER JOIN hrwsi.raw2valid rv ON tv.id = rv.trigger_validation_id
		INNER JOIN hrwsi.raw_inputs ri ON rv.raw_input_id = ri.id
		INNER JOIN hrwsi.processing_routine pr ON ri.product_type_code = pr.product_type_code
		LEFT JOIN hrwsi.processingtask2nomad ptn ON ptn.processing_task_id = pt.id
		WHERE pr.flavour = $1
		AND ri.tile = ANY($2)
		AND ri.measurement_day BETWEEN $3 AND $4
		AND ptn.processing_task_id IS NULL`,
		flavour, tiles, int(minDay), int(maxDay))
	if err != nil {
		return nil, fmt.Errorf("listing archive tasks: %w", err)
	}
	return scanTasks(rows)
}

// OldestArchiveDay returns the oldest measurement day among undispatched
// non-NRT tasks of a flavour below the cutover, or ok=false when the archive
// is drained.
func (s *Store) OldestArchiveDay(ctx context.Context, flavour products.Flavour, tiles []string, cutover products.Day) (products.Day, bool, error) {
	var day *int
	err := s.pool.QueryRow(ctx, `
		SELECT MIN(ri.measurement_day)
		FROM hrwsi.processing_tasks pt
		INNER JOIN hrwsi.trigger_validation tv ON pt.trigger_validation_fk_id = tv.id
		INNER JOIN hrwsi.raw2valid rv ON tv.id = rv.trigger_validation_id
		INNER JOIN hrwsi.raw_inputs ri ON rv.raw_input_id = ri.id
		INNER JOIN hrwsi.processing_routine pr ON ri.product_type_code = pr.product_type_code
		LEFT JOIN hrwsi.processingtask2nomad ptn ON ptn.processing_task_id = pt.id
		WHERE tv.is_nrt = FALSE
		AND pr.flavour = $1
		AND ri.tile = ANY($2)
		AND ri.measurement_day < $3
		AND ptn.processing_task_id IS NULL`,
		flavour, tiles, int(cutover)).Scan(&day)
	if err != nil {
		return 0, false, fmt.Errorf("finding oldest archive day: %w", err)
	}
	if day == nil {
		return 0, false, nil
	}
	return products.Day(*day), true, nil
}

// TaskContext is the rich per-input context of a task, used to render its
// job specification. Multi-input validations yield one row per input.
type TaskContext struct {
	RawInputID          string
	Flavour             products.Flavour
	TriggerValidationID int64
	ProcessingTaskID    int64
	ProductType         products.Type
	Tile                string
	MeasurementDay      products.Day
	HarvestingDate      time.Time
	RelativeOrbit       *int
	RoutineName         string
	RAM                 int
	InputPath           string
	DockerImage         string
	DurationMinutes     int
	PrecedingInputID    *string
	IntermediatePaths   *string
	ProcessingDate      *time.Time
}

// TaskContexts loads the render context of a validation's task, one row per
// attached input.
func (s *Store) TaskContexts(ctx context.Context, validationID int64) ([]TaskContext, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ri.id, pr.flavour, pt.trigger_validation_fk_id, pt.id,
		pr.product_type_code, ri.tile, ri.measurement_day, ri.harvesting_date, ri.relative_orbit_number,
		pr.name, pr.ram, ri.input_path,
		pr.docker_image, pr.duration, pt.preceding_input_id, pt.intermediate_files_path,
		pt.processing_date
		FROM hrwsi.processing_tasks pt
		INNER JOIN hrwsi.trigger_validation tv ON tv.id = pt.trigger_validation_fk_id
		INNER JOIN hrwsi.raw2valid rv ON tv.id = rv.trigger_validation_id
		INNER JOIN hrwsi.raw_inputs ri ON ri.id = rv.raw_input_id
		INNER JOIN hrwsi.triggering_condition tc ON tv.triggering_condition_name = tc.name
		INNER JOIN hrwsi.processing_routine pr ON pr.name = tc.processing_routine_name
		WHERE pt.trigger_validation_fk_id = $1`, validationID)
	if err != nil {
		return nil, fmt.Errorf("loading task context of validation %d: %w", validationID, err)
	}
	defer rows.Close()

	var out []TaskContext
	for rows.Next() {
		var (
			c   TaskContext
			day int
		)
		if err = rows.Scan(&c.RawInputID, &c.Flavour, &c.TriggerValidationID, &c.ProcessingTaskID,
			&c.ProductType, &c.Tile, &day, &c.HarvestingDate, &c.RelativeOrbit,
			&c.RoutineName, &c.RAM, &c.InputPath,
			&c.DockerImage, &c.DurationMinutes, &c.PrecedingInputID, &c.IntermediatePaths,
			&c.ProcessingDate); err != nil {
			return nil, fmt.Errorf("scanning task context: %w", err)
		}
		c.MeasurementDay = products.Day(day)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CurrentlyDeployed reports whether the task has an open dispatch without an
// exit code: a live worker that must not be double-submitted.
func (s *Store) CurrentlyDeployed(ctx context.Context, taskID int64) (bool, error) {
	var deployed bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
		  SELECT 1 FROM hrwsi.processing_tasks pt
		  INNER JOIN hrwsi.processingtask2nomad p2n ON p2n.processing_task_id = pt.id
		  WHERE pt.id = $1
		  AND pt.has_ended = FALSE
		  AND NOT EXISTS(
		    SELECT 1 FROM hrwsi.processing_status_workflow psw
		    WHERE p2n.nomad_job_id = psw.nomad_job_dispatch_fk_id
		    AND psw.exit_code IS NOT NULL
		  )
		)`, taskID).Scan(&deployed)
	if err != nil {
		return false, fmt.Errorf("probing deployment of task %d: %w", taskID, err)
	}
	return deployed, nil
}

// RecordDispatch persists a scheduler submission: the dispatch row, its edge
// to the task and the initial status, in one transaction.
func (s *Store) RecordDispatch(ctx context.Context, dispatchID uuid.UUID, taskID int64, status products.Status, at time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO hrwsi.nomad_job_dispatch (id, dispatch_date) VALUES ($1, $2)`,
			dispatchID, at); err != nil {
			return fmt.Errorf("inserting dispatch %s: %w", dispatchID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO hrwsi.processingtask2nomad (nomad_job_id, processing_task_id)
			VALUES ($1, $2)`, dispatchID, taskID); err != nil {
			return fmt.Errorf("linking dispatch %s to task %d: %w", dispatchID, taskID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO hrwsi.processing_status_workflow
			  (nomad_job_dispatch_fk_id, processing_status_id, date)
			VALUES ($1, (SELECT id FROM hrwsi.processing_status WHERE name = $2), $3)`,
			dispatchID, status, at); err != nil {
			return fmt.Errorf("recording initial status of %s: %w", dispatchID, err)
		}
		return nil
	})
}

// AppendStatus appends a status event, with an optional exit code, to a
// dispatch's workflow.
func (s *Store) AppendStatus(ctx context.Context, dispatchID uuid.UUID, status products.Status, at time.Time, exitCode *int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hrwsi.processing_status_workflow
		  (nomad_job_dispatch_fk_id, processing_status_id, date, exit_code)
		VALUES ($1, $2, $3, $4)`, dispatchID, status.ID(), at, exitCode)
	if err != nil {
		return fmt.Errorf("appending status %s to %s: %w", status, dispatchID, err)
	}
	return nil
}

// LastStatusID returns the latest status id of a dispatch, or ok=false when
// no status was recorded yet.
func (s *Store) LastStatusID(ctx context.Context, dispatchID uuid.UUID) (int, bool, error) {
	var id int
	err := s.pool.QueryRow(ctx, `
		SELECT processing_status_id FROM hrwsi.processing_status_workflow
		WHERE nomad_job_dispatch_fk_id = $1
		ORDER BY date DESC LIMIT 1`, dispatchID).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading last status of %s: %w", dispatchID, err)
	}
	return id, true, nil
}

// LatestDispatchID returns the most recent dispatch of a task.
func (s *Store) LatestDispatchID(ctx context.Context, taskID int64) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT nomad_job_id FROM hrwsi.processingtask2nomad p2n
		INNER JOIN hrwsi.nomad_job_dispatch njd ON njd.id = p2n.nomad_job_id
		WHERE p2n.processing_task_id = $1
		ORDER BY njd.dispatch_date DESC LIMIT 1`, taskID).Scan(&id)
	if err == pgx.ErrNoRows {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("reading latest dispatch of task %d: %w", taskID, err)
	}
	return id, true, nil
}

// ErrorCount counts the genuine worker errors of a task, excluding the
// relaunch sentinel (404) and the transient-input code (109).
func (s *Store) ErrorCount(ctx context.Context, taskID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(nomad_job_id) FROM hrwsi.processingtask2nomad p2n
		INNER JOIN hrwsi.processing_status_workflow psw
		ON p2n.nomad_job_id = psw.nomad_job_dispatch_fk_id
		WHERE p2n.processing_task_id = $1
		AND psw.processing_status_id IN (4, 5)
		AND psw.exit_code NOT IN (109, 404)`, taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting errors of task %d: %w", taskID, err)
	}
	return n, nil
}

// SetTaskEnded marks a task terminal. No further dispatch may be created
// for it.
func (s *Store) SetTaskEnded(ctx context.Context, taskID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE hrwsi.processing_tasks SET has_ended = TRUE WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("ending task %d: %w", taskID, err)
	}
	return nil
}
