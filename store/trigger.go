package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cryoclim/hrwsi/products"
)

// RawInputEvent is the wire form of an input_insertion payload, as produced
// by row_to_json on hrwsi.raw_inputs.
type RawInputEvent struct {
	ID             string        `json:"id"`
	ProductType    products.Type `json:"product_type_code"`
	StartDate      time.Time     `json:"start_date"`
	PublishingDate time.Time     `json:"publishing_date"`
	Tile           string        `json:"tile"`
	MeasurementDay products.Day  `json:"measurement_day"`
	RelativeOrbit  *int          `json:"relative_orbit_number"`
	InputPath      string        `json:"input_path"`
	IsPartial      bool          `json:"is_partial"`
	HarvestingDate time.Time     `json:"harvesting_date"`
}

// DecodeRawInputEvent parses a notification payload.
func DecodeRawInputEvent(payload string) (RawInputEvent, error) {
	var ev RawInputEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, fmt.Errorf("decoding raw-input event: %w", err)
	}
	return ev, nil
}

// RawInput converts the event back to the domain row.
func (ev RawInputEvent) RawInput() products.RawInput {
	return products.RawInput{
		ID:             ev.ID,
		ProductType:    ev.ProductType,
		StartDate:      ev.StartDate,
		PublishingDate: ev.PublishingDate,
		Tile:           ev.Tile,
		MeasurementDay: ev.MeasurementDay,
		RelativeOrbit:  ev.RelativeOrbit,
		InputPath:      ev.InputPath,
		IsPartial:      ev.IsPartial,
		HarvestingDate: ev.HarvestingDate,
	}
}

const rawInputColumns = `ri.id, ri.product_type_code, ri.start_date, ri.publishing_date,
ri.tile, ri.measurement_day, ri.relative_orbit_number, ri.input_path, ri.is_partial, ri.harvesting_date`

func scanRawInputs(rows pgx.Rows) ([]products.RawInput, error) {
	defer rows.Close()
	var out []products.RawInput
	for rows.Next() {
		var (
			r   products.RawInput
			day int
		)
		if err := rows.Scan(&r.ID, &r.ProductType, &r.StartDate, &r.PublishingDate,
			&r.Tile, &day, &r.RelativeOrbit, &r.InputPath, &r.IsPartial,
			&r.HarvestingDate); err != nil {
			return nil, fmt.Errorf("scanning raw input: %w", err)
		}
		r.MeasurementDay = products.Day(day)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UnvalidatedInputs lists raw inputs of the given types that have no
// validation yet under the named triggering condition, newest harvest first.
func (s *Store) UnvalidatedInputs(ctx context.Context, tc string, types []products.Type) ([]products.RawInput, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+rawInputColumns+`
		FROM hrwsi.raw_inputs ri
		WHERE ri.product_type_code = ANY($1)
		AND ri.id NOT IN (
		    SELECT r2v.raw_input_id FROM hrwsi.trigger_validation tv
		    INNER JOIN hrwsi.raw2valid r2v ON r2v.trigger_validation_id = tv.id
		    WHERE tv.triggering_condition_name = $2
		)
		ORDER BY ri.harvesting_date DESC`, types, tc)
	if err != nil {
		return nil, fmt.Errorf("listing unvalidated inputs for %s: %w", tc, err)
	}
	return scanRawInputs(rows)
}

// ValidationExists probes for an existing validation of (input, rule). The
// probe serializes concurrent rule fires together with the insert conflict.
func (s *Store) ValidationExists(ctx context.Context, inputID, tc string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM hrwsi.trigger_validation tv
		INNER JOIN hrwsi.raw2valid r2v ON tv.id = r2v.trigger_validation_id
		WHERE r2v.raw_input_id = $1 AND tv.triggering_condition_name = $2)`,
		inputID, tc).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("probing validation of %s/%s: %w", inputID, tc, err)
	}
	return exists, nil
}

// Validation is a successful rule evaluation to persist.
type Validation struct {
	TriggeringCondition      string
	ValidationDate           time.Time
	IsNRT                    bool
	ArtificialMeasurementDay *products.Day
	InputIDs                 []string
}

// InsertValidation writes the validation and its input edges in one
// transaction. The raw2valid insert raises the raw2valid_insertion
// notifications that drive the orchestrator.
func (s *Store) InsertValidation(ctx context.Context, v Validation) (int64, error) {
	if len(v.InputIDs) == 0 {
		return 0, fmt.Errorf("validation of %s has no inputs", v.TriggeringCondition)
	}
	var id int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var artificial *int
		if v.ArtificialMeasurementDay != nil {
			d := int(*v.ArtificialMeasurementDay)
			artificial = &d
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO hrwsi.trigger_validation
			  (triggering_condition_name, validation_date, is_nrt, artificial_measurement_day)
			VALUES ($1, $2, $3, $4) RETURNING id`,
			v.TriggeringCondition, v.ValidationDate, v.IsNRT, artificial).Scan(&id)
		if err != nil {
			return fmt.Errorf("inserting trigger validation: %w", err)
		}
		for _, inputID := range v.InputIDs {
			if _, err = tx.Exec(ctx, `
				INSERT INTO hrwsi.raw2valid (trigger_validation_id, raw_input_id)
				VALUES ($1, $2)`, id, inputID); err != nil {
				return fmt.Errorf("inserting raw2valid edge: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// LatestL2A returns the most recent MAJA L2A on a tile within a measurement
// day interval, or ok=false when none exists.
func (s *Store) LatestL2A(ctx context.Context, tile string, minDay, maxDay products.Day) (string, products.Day, bool, error) {
	var (
		id  string
		day int
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, measurement_day FROM hrwsi.raw_inputs
		WHERE product_type_code = 'S2_MAJA_L2A' AND tile = $1
		AND measurement_day BETWEEN $2 AND $3
		ORDER BY measurement_day DESC LIMIT 1`,
		tile, int(minDay), int(maxDay)).Scan(&id, &day)
	if err == pgx.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("finding latest L2A on %s: %w", tile, err)
	}
	return id, products.Day(day), true, nil
}

// UnvalidatedL1C lists L1C inputs without any validation, oldest measurement
// day first, for the periodic CC scan.
func (s *Store) UnvalidatedL1C(ctx context.Context) ([]products.RawInput, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+rawInputColumns+`
		FROM hrwsi.raw_inputs ri
		WHERE ri.product_type_code = 'S2MSI1C'
		AND NOT EXISTS (SELECT 1 FROM hrwsi.raw2valid rv WHERE ri.id = rv.raw_input_id)
		ORDER BY ri.measurement_day`)
	if err != nil {
		return nil, fmt.Errorf("listing unvalidated L1C inputs: %w", err)
	}
	return scanRawInputs(rows)
}

// UnpairedGRDH lists partial GRD scenes harvested in the last seven days
// that belong to no validation yet.
func (s *Store) UnpairedGRDH(ctx context.Context) ([]products.RawInput, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+rawInputColumns+`
		FROM hrwsi.raw_inputs ri
		WHERE ri.product_type_code = 'IW_GRDH_1S' AND ri.is_partial IS TRUE
		AND ri.harvesting_date >= now() - INTERVAL '7 days'
		AND NOT EXISTS (SELECT 1 FROM hrwsi.raw2valid rv WHERE ri.id = rv.raw_input_id)`)
	if err != nil {
		return nil, fmt.Errorf("listing unpaired GRD scenes: %w", err)
	}
	return scanRawInputs(rows)
}

// InputsOnTileDay lists inputs of a type sharing a tile and measurement day,
// harvested at or after since, newest harvest first. The WDS rule uses it to
// pair a backscatter with the snow products of the same acquisition.
func (s *Store) InputsOnTileDay(ctx context.Context, typ products.Type, tile string, day products.Day, since time.Time) ([]products.RawInput, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+rawInputColumns+`
		FROM hrwsi.raw_inputs ri
		WHERE ri.product_type_code = $1 AND ri.tile = $2
		AND ri.measurement_day = $3 AND ri.harvesting_date >= $4
		ORDER BY ri.harvesting_date DESC`, typ, tile, int(day), since)
	if err != nil {
		return nil, fmt.Errorf("listing %s inputs on %s/%d: %w", typ, tile, int(day), err)
	}
	return scanRawInputs(rows)
}

// RawInputByID fetches one raw input, or ok=false when unknown.
func (s *Store) RawInputByID(ctx context.Context, id string) (products.RawInput, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+rawInputColumns+`
		FROM hrwsi.raw_inputs ri WHERE ri.id = $1`, id)
	if err != nil {
		return products.RawInput{}, false, fmt.Errorf("reading raw input %s: %w", id, err)
	}
	out, err := scanRawInputs(rows)
	if err != nil {
		return products.RawInput{}, false, err
	}
	if len(out) == 0 {
		return products.RawInput{}, false, nil
	}
	return out[0], true, nil
}

// CCBlockedTiles lists tiles with an open CC task past sinceDay whose latest
// dispatch produced an exit code. New CC validations on these tiles wait for
// the open task to finish.
func (s *Store) CCBlockedTiles(ctx context.Context, sinceDay products.Day) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT(tile) FROM (
		    SELECT ri.tile, MAX(psw.exit_code) max_code
		    FROM hrwsi.processing_tasks pt
		    INNER JOIN hrwsi.trigger_validation tv ON tv.id = pt.trigger_validation_fk_id
		    INNER JOIN hrwsi.raw2valid r2v ON r2v.trigger_validation_id = tv.id
		    INNER JOIN hrwsi.raw_inputs ri ON ri.id = r2v.raw_input_id AND ri.measurement_day > $1
		    INNER JOIN hrwsi.processingtask2nomad p2n ON p2n.processing_task_id = pt.id
		    INNER JOIN hrwsi.nomad_job_dispatch njd ON njd.id = p2n.nomad_job_id
		    INNER JOIN hrwsi.processing_status_workflow psw ON psw.nomad_job_dispatch_fk_id = njd.id
		    WHERE pt.has_ended = false
		    AND tv.triggering_condition_name = 'CC_TC'
		    GROUP BY ri.tile
		) blocked WHERE max_code IS NOT NULL
		ORDER BY tile ASC`, int(sinceDay))
	if err != nil {
		return nil, fmt.Errorf("listing CC-blocked tiles: %w", err)
	}
	return scanStrings(rows)
}

// CCUndispatchedTiles lists tiles carrying a CC task past sinceDay that has
// not been dispatched yet.
func (s *Store) CCUndispatchedTiles(ctx context.Context, sinceDay products.Day) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ri.tile FROM hrwsi.processing_tasks pt
		JOIN hrwsi.trigger_validation tv ON pt.trigger_validation_fk_id = tv.id
		JOIN hrwsi.raw2valid rv ON tv.id = rv.trigger_validation_id
		JOIN hrwsi.raw_inputs ri ON rv.raw_input_id = ri.id
		WHERE tv.triggering_condition_name = 'CC_TC'
		AND ri.measurement_day > $1
		AND NOT EXISTS (
		    SELECT 1 FROM hrwsi.processingtask2nomad p2n
		    WHERE p2n.processing_task_id = pt.id
		)`, int(sinceDay))
	if err != nil {
		return nil, fmt.Errorf("listing undispatched CC tiles: %w", err)
	}
	return scanStrings(rows)
}

// CCPendingTaskTiles lists tiles carrying a CC validation past sinceDay that
// has no task yet.
func (s *Store) CCPendingTaskTiles(ctx context.Context, sinceDay products.Day) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ri.tile FROM hrwsi.trigger_validation tv
		JOIN hrwsi.raw2valid rv ON tv.id = rv.trigger_validation_id
		JOIN hrwsi.raw_inputs ri ON rv.raw_input_id = ri.id
		WHERE tv.triggering_condition_name = 'CC_TC'
		AND ri.measurement_day > $1
		AND NOT EXISTS (
		    SELECT 1 FROM hrwsi.processing_tasks pt
		    WHERE pt.trigger_validation_fk_id = tv.id
		)`, int(sinceDay))
	if err != nil {
		return nil, fmt.Errorf("listing CC tiles without tasks: %w", err)
	}
	return scanStrings(rows)
}

// CCProductExists reports whether a CC production already covered the tile
// within the measurement-day interval.
func (s *Store) CCProductExists(ctx context.Context, tile string, minDay, maxDay products.Day) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
		SELECT 1 FROM hrwsi.processing_tasks pt
		INNER JOIN hrwsi.trigger_validation tv ON pt.trigger_validation_fk_id = tv.id
		INNER JOIN hrwsi.products p ON p.trigger_validation_fk_id = tv.id
		INNER JOIN hrwsi.raw2valid rv ON rv.trigger_validation_id = tv.id
		INNER JOIN hrwsi.raw_inputs ri ON ri.id = rv.raw_input_id
		WHERE tv.triggering_condition_name = 'CC_TC' AND ri.tile = $1
		AND ri.measurement_day BETWEEN $2 AND $3)`,
		tile, int(minDay), int(maxDay)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("probing CC product on %s: %w", tile, err)
	}
	return exists, nil
}

// CCValidationPending reports whether a CC validation without a task exists
// on the tile within the measurement-day interval.
func (s *Store) CCValidationPending(ctx context.Context, tile string, minDay, maxDay products.Day) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
		SELECT 1 FROM hrwsi.trigger_validation tv
		INNER JOIN hrwsi.raw2valid rv ON rv.trigger_validation_id = tv.id
		INNER JOIN hrwsi.raw_inputs ri ON ri.id = rv.raw_input_id
		WHERE tv.triggering_condition_name = 'CC_TC' AND ri.tile = $1
		AND ri.measurement_day BETWEEN $2 AND $3
		AND NOT EXISTS (
		    SELECT 1 FROM hrwsi.processing_tasks pt
		    WHERE tv.id = pt.trigger_validation_fk_id
		))`, tile, int(minDay), int(maxDay)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("probing pending CC validation on %s: %w", tile, err)
	}
	return exists, nil
}

// WICPair is one WICS1 acquisition with the same-day WICS2 products on the
// same tile.
type WICPair struct {
	WICS1ID        string
	MeasurementDay products.Day
	WICS2IDs       []string
}

// WICPairs lists WICS1/WICS2 same-tile same-day pairings.
func (s *Store) WICPairs(ctx context.Context) ([]WICPair, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id AS id_wics1, a.measurement_day, array_agg(b.id) AS wics2_ids
		FROM hrwsi.raw_inputs a
		JOIN hrwsi.raw_inputs b
		  ON a.tile = b.tile
		  AND a.measurement_day = b.measurement_day
		  AND a.product_type_code = 'S1_WICS1_L2B'
		  AND b.product_type_code = 'S2_WICS2_L2B'
		GROUP BY a.id, a.measurement_day`)
	if err != nil {
		return nil, fmt.Errorf("listing WIC pairs: %w", err)
	}
	defer rows.Close()

	var out []WICPair
	for rows.Next() {
		var (
			p   WICPair
			day int
		)
		if err = rows.Scan(&p.WICS1ID, &day, &p.WICS2IDs); err != nil {
			return nil, fmt.Errorf("scanning WIC pair: %w", err)
		}
		p.MeasurementDay = products.Day(day)
		out = append(out, p)
	}
	return out, rows.Err()
}

// InputRef is a raw-input id with its product type.
type InputRef struct {
	ID   string
	Type products.Type
}

// FSCAndSWSInWindow lists the FSC and SWS inputs of a tile within a
// measurement-day interval: the candidate input set of a daily aggregation.
func (s *Store) FSCAndSWSInWindow(ctx context.Context, tile string, minDay, maxDay products.Day) ([]InputRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ri.id, ri.product_type_code FROM hrwsi.raw_inputs ri
		WHERE ri.product_type_code IN ('S2_FSC_L2B', 'S1_SWS_L2B')
		AND ri.tile = $1 AND ri.measurement_day BETWEEN $2 AND $3`,
		tile, int(minDay), int(maxDay))
	if err != nil {
		return nil, fmt.Errorf("listing FSC/SWS inputs on %s: %w", tile, err)
	}
	defer rows.Close()

	var out []InputRef
	for rows.Next() {
		var r InputRef
		if err = rows.Scan(&r.ID, &r.Type); err != nil {
			return nil, fmt.Errorf("scanning input ref: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AggregationExists reports whether a validation under tc with the given
// artificial day covers exactly the given input set.
func (s *Store) AggregationExists(ctx context.Context, inputIDs []string, tc string, artificialDay products.Day) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
		    WITH selected_inputs AS (
		        SELECT unnest($1::text[]) AS raw_input_id
		    ),
		    candidate_triggers AS (
		        SELECT r2v.trigger_validation_id
		        FROM hrwsi.raw2valid r2v
		        JOIN hrwsi.trigger_validation tv ON tv.id = r2v.trigger_validation_id
		        WHERE r2v.raw_input_id IN (SELECT raw_input_id FROM selected_inputs)
		          AND tv.triggering_condition_name = $2
		          AND tv.artificial_measurement_day = $3
		        GROUP BY r2v.trigger_validation_id
		        HAVING COUNT(*) = (SELECT COUNT(*) FROM selected_inputs)
		    ),
		    exact_match_triggers AS (
		        SELECT ct.trigger_validation_id
		        FROM candidate_triggers ct
		        JOIN hrwsi.raw2valid r2v ON r2v.trigger_validation_id = ct.trigger_validation_id
		        GROUP BY ct.trigger_validation_id
		        HAVING
		            COUNT(*) = (SELECT COUNT(*) FROM selected_inputs) AND
		            BOOL_AND(r2v.raw_input_id IN (SELECT raw_input_id FROM selected_inputs))
		    )
		    SELECT 1 FROM exact_match_triggers
		)`, inputIDs, tc, int(artificialDay)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("probing aggregation of %s: %w", tc, err)
	}
	return exists, nil
}

// UnsettledTaskCount counts, for a measurement day and a set of rules, the
// tasks that are neither processed nor terminated: tasks without a dispatch
// plus dispatches whose latest status is still open.
func (s *Store) UnsettledTaskCount(ctx context.Context, tcs []string, day products.Day) (int, error) {
	var total int
	err := s.pool.QueryRow(ctx, `
		WITH relevant_tasks AS (
		  SELECT pt.id AS task_id, p2n.nomad_job_id
		  FROM hrwsi.processing_tasks pt
		  INNER JOIN hrwsi.trigger_validation tv ON pt.trigger_validation_fk_id = tv.id
		  INNER JOIN hrwsi.raw2valid rv ON rv.trigger_validation_id = tv.id
		  INNER JOIN hrwsi.raw_inputs ri ON ri.id = rv.raw_input_id
		  LEFT JOIN hrwsi.processingtask2nomad p2n ON p2n.processing_task_id = pt.id
		  WHERE tv.triggering_condition_name = ANY($1)
		    AND ri.measurement_day = $2
		    AND pt.has_ended = false
		),
		task_count AS (
		  SELECT COUNT(*) AS count1 FROM relevant_tasks WHERE nomad_job_id IS NULL
		),
		status_count AS (
		  SELECT COUNT(*) AS count2 FROM (
		    SELECT DISTINCT ON (nomad_job_dispatch_fk_id) processing_status_id
		    FROM hrwsi.processing_status_workflow
		    WHERE nomad_job_dispatch_fk_id IN (
		      SELECT nomad_job_id FROM relevant_tasks WHERE nomad_job_id IS NOT NULL
		    )
		    ORDER BY nomad_job_dispatch_fk_id, date DESC
		  ) latest_status
		  WHERE latest_status.processing_status_id NOT IN (2, 6)
		)
		SELECT task_count.count1 + status_count.count2
		FROM task_count, status_count`, tcs, int(day)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("counting unsettled tasks: %w", err)
	}
	return total, nil
}

// TaskExistsTodayOnTileDay reports whether a task was already created today
// for the rule on the same tile and measurement day.
func (s *Store) TaskExistsTodayOnTileDay(ctx context.Context, tc, tile string, day products.Day) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT pt.id FROM hrwsi.processing_tasks pt
		INNER JOIN hrwsi.trigger_validation tv ON tv.id = pt.trigger_validation_fk_id
		INNER JOIN hrwsi.raw2valid r2v ON tv.id = r2v.trigger_validation_id
		INNER JOIN hrwsi.raw_inputs ri ON r2v.raw_input_id = ri.id
		WHERE tv.triggering_condition_name = $1 AND pt.creation_date >= date_trunc('day', now())
		AND ri.tile = $2 AND ri.measurement_day = $3)`,
		tc, tile, int(day)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("probing today's tasks of %s: %w", tc, err)
	}
	return exists, nil
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
