package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cryoclim/hrwsi/products"
)

// HarvestParams is one row of systemparams.wekeo_api_manager: the catalogue
// query parameters and harvesting bookmarks of one triggering condition.
type HarvestParams struct {
	TriggeringCondition     string
	InputType               products.Type
	Collection              string
	MaxDaysSincePublication int
	MaxDaysSinceMeasurement int
	TileListFile            *string
	GeometryFile            *string
	Polarisation            *string
	Timeliness              *string
	NRTHarvestStartDay      *int
	ArchiveHarvestStart     *time.Time
	ArchiveHarvestEnd       *time.Time
}

// HarvestParamsList reads every per-rule harvesting parameter set.
func (s *Store) HarvestParamsList(ctx context.Context) ([]HarvestParams, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT triggering_condition_name, input_type, collection,
		       max_day_since_publication_date, max_day_since_measurement_date,
		       tile_list_file, geometry_file, polarisation, timeliness,
		       nrt_harvest_start_date, archive_harvest_start_date, archive_harvest_end_date
		FROM systemparams.wekeo_api_manager`)
	if err != nil {
		return nil, fmt.Errorf("reading harvest parameters: %w", err)
	}
	defer rows.Close()

	var out []HarvestParams
	for rows.Next() {
		var p HarvestParams
		if err = rows.Scan(&p.TriggeringCondition, &p.InputType, &p.Collection,
			&p.MaxDaysSincePublication, &p.MaxDaysSinceMeasurement,
			&p.TileListFile, &p.GeometryFile, &p.Polarisation, &p.Timeliness,
			&p.NRTHarvestStartDay, &p.ArchiveHarvestStart, &p.ArchiveHarvestEnd); err != nil {
			return nil, fmt.Errorf("scanning harvest parameters: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// NRTBookmark returns the NRT harvest bookmark day of an input type, if set.
func (s *Store) NRTBookmark(ctx context.Context, typ products.Type) (*products.Day, error) {
	var day *int
	err := s.pool.QueryRow(ctx, `
		SELECT nrt_harvest_start_date FROM systemparams.wekeo_api_manager
		WHERE input_type = $1`, typ).Scan(&day)
	if err == pgx.ErrNoRows || day == nil {
		if err != nil && err != pgx.ErrNoRows {
			return nil, fmt.Errorf("reading NRT bookmark: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading NRT bookmark: %w", err)
	}
	d := products.Day(*day)
	return &d, nil
}

// AdvanceArchiveStart moves the archive bookmark of a rule forward. The
// bookmark never moves backwards; callers pass the already-advanced value.
func (s *Store) AdvanceArchiveStart(ctx context.Context, tc string, start time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE systemparams.wekeo_api_manager
		SET archive_harvest_start_date = $1
		WHERE triggering_condition_name = $2`, start, tc)
	if err != nil {
		return fmt.Errorf("advancing archive bookmark of %s: %w", tc, err)
	}
	return nil
}

// ClearHarvestBookmarks nulls the archive window of a rule once the archive
// catch-up has fully drained.
func (s *Store) ClearHarvestBookmarks(ctx context.Context, tc string, timeliness *string) error {
	key := tc
	if timeliness != nil {
		key += *timeliness
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE systemparams.wekeo_api_manager
		SET archive_harvest_start_date = NULL, archive_harvest_end_date = NULL
		WHERE CONCAT(triggering_condition_name, timeliness) = $1`, key)
	if err != nil {
		return fmt.Errorf("clearing bookmarks of %s: %w", tc, err)
	}
	return nil
}

// ClearNRTBookmark nulls the NRT catch-up bookmark of a rule once the past
// recovery has drained.
func (s *Store) ClearNRTBookmark(ctx context.Context, tc string, timeliness *string) error {
	key := tc
	if timeliness != nil {
		key += *timeliness
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE systemparams.wekeo_api_manager
		SET nrt_harvest_start_date = NULL
		WHERE CONCAT(triggering_condition_name, timeliness) = $1`, key)
	if err != nil {
		return fmt.Errorf("clearing NRT bookmark of %s: %w", tc, err)
	}
	return nil
}

// LastProcessingDate reads the persistent daily-rule bookmark of a product
// type, or ok=false when unset.
func (s *Store) LastProcessingDate(ctx context.Context, typ products.Type) (products.Day, bool, error) {
	var day *int
	err := s.pool.QueryRow(ctx, `
		SELECT last_processing_date FROM systemparams.triggerer_config
		WHERE product_type = $1`, typ).Scan(&day)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading last processing date: %w", err)
	}
	if day == nil {
		return 0, false, nil
	}
	return products.Day(*day), true, nil
}

// SetLastProcessingDate advances the persistent daily-rule bookmark.
func (s *Store) SetLastProcessingDate(ctx context.Context, typ products.Type, day products.Day) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE systemparams.triggerer_config
		SET last_processing_date = $1 WHERE product_type = $2`, int(day), typ)
	if err != nil {
		return fmt.Errorf("setting last processing date: %w", err)
	}
	return nil
}

// LauncherConfig reads the launcher tuning parameters as a string map.
func (s *Store) LauncherConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT param, value FROM systemparams.launcher_config`)
	if err != nil {
		return nil, fmt.Errorf("reading launcher config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err = rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning launcher config: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
