package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cryoclim/hrwsi/products"
)

const insertRawInputSQL = `
INSERT INTO hrwsi.raw_inputs
  (id, product_type_code, start_date, publishing_date, tile, measurement_day,
   relative_orbit_number, input_path, is_partial, harvesting_date)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (id) DO NOTHING`

// InsertRawInputs writes the given inputs in one batch, skipping rows whose
// identifier is already known. It returns the number actually inserted.
func (s *Store) InsertRawInputs(ctx context.Context, rows []products.RawInput) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	var batch pgx.Batch
	for _, r := range rows {
		batch.Queue(insertRawInputSQL,
			r.ID, r.ProductType, r.StartDate, r.PublishingDate, r.Tile,
			int(r.MeasurementDay), r.RelativeOrbit, r.InputPath, r.IsPartial)
	}
	results := s.pool.SendBatch(ctx, &batch)
	defer results.Close()

	var inserted int
	for range rows {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("inserting raw inputs: %w", mapConflict(err))
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ExistingInputPaths returns the input paths already harvested for a product
// type, bounded below by measurement day. Used as the pre-insert existence
// filter for catalogue candidates.
func (s *Store) ExistingInputPaths(ctx context.Context, typ products.Type, minDay products.Day) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT input_path FROM hrwsi.raw_inputs
		WHERE measurement_day >= $1 AND product_type_code = $2`,
		int(minDay), typ)
	if err != nil {
		return nil, fmt.Errorf("listing existing input paths: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err = rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning input path: %w", err)
		}
		out[p] = struct{}{}
	}
	return out, rows.Err()
}

// TileStart is the existence key of timeliness-classified candidates, for
// which the catalogue may republish the same acquisition under a new path.
type TileStart struct {
	Tile  string
	Start time.Time
}

// ExistingTileStarts returns the (tile, start) pairs already harvested for a
// product type, bounded below by measurement day.
func (s *Store) ExistingTileStarts(ctx context.Context, typ products.Type, minDay products.Day) (map[TileStart]struct{}, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tile, start_date FROM hrwsi.raw_inputs
		WHERE measurement_day >= $1 AND product_type_code = $2`,
		int(minDay), typ)
	if err != nil {
		return nil, fmt.Errorf("listing existing acquisitions: %w", err)
	}
	defer rows.Close()

	out := make(map[TileStart]struct{})
	for rows.Next() {
		var ts TileStart
		if err = rows.Scan(&ts.Tile, &ts.Start); err != nil {
			return nil, fmt.Errorf("scanning acquisition: %w", err)
		}
		ts.Start = ts.Start.UTC()
		out[ts] = struct{}{}
	}
	return out, rows.Err()
}

// LatestPublishingDate returns the most recent publishing date harvested for
// a product type, or ok=false when none exists yet.
func (s *Store) LatestPublishingDate(ctx context.Context, typ products.Type) (time.Time, bool, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT publishing_date FROM hrwsi.raw_inputs
		WHERE product_type_code = $1
		ORDER BY start_date DESC LIMIT 1`, typ).Scan(&t)
	if err == pgx.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading latest publishing date: %w", err)
	}
	return t, true, nil
}

// ProductRow is a finished product registered by a worker.
type ProductRow struct {
	ID            string    `json:"id"`
	ProductType   string    `json:"product_type_code"`
	ProductPath   string    `json:"product_path"`
	CreationDate  time.Time `json:"creation_date"`
	CatalogueDate time.Time `json:"catalogue_date"`
	KPIFilePath   *string   `json:"kpi_file_path"`
}

// UnfedProducts lists finished products that have not yet been fed back into
// raw_inputs. The harvester replays them at startup, covering notifications
// missed while it was down.
func (s *Store) UnfedProducts(ctx context.Context) ([]ProductRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, product_type_code, product_path, creation_date, catalogue_date, kpi_file_path
		FROM hrwsi.products p
		WHERE p.id NOT IN (SELECT ri.id FROM hrwsi.raw_inputs ri)`)
	if err != nil {
		return nil, fmt.Errorf("listing unfed products: %w", err)
	}
	defer rows.Close()

	var out []ProductRow
	for rows.Next() {
		var p ProductRow
		if err = rows.Scan(&p.ID, &p.ProductType, &p.ProductPath,
			&p.CreationDate, &p.CatalogueDate, &p.KPIFilePath); err != nil {
			return nil, fmt.Errorf("scanning product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
