package store

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/cryoclim/hrwsi/products"
)

func TestDecodeRawInputEvent(t *testing.T) {
	// Shape produced by row_to_json on hrwsi.raw_inputs.
	payload := `{
		"id": "S2B_MSIL1C_20230301T104019_N0509_R008_T31TCH_20230301T124856",
		"product_type_code": "S2MSI1C",
		"start_date": "2023-03-01T10:40:19+00:00",
		"publishing_date": "2023-03-01T13:05:00+00:00",
		"tile": "31TCH",
		"measurement_day": 20230301,
		"relative_orbit_number": 8,
		"input_path": "s3://eodata/Sentinel-2/MSI/L1C/2023/03/01/x.SAFE",
		"is_partial": false,
		"harvesting_date": "2023-03-01T13:12:44.120334+00:00"
	}`
	ev, err := DecodeRawInputEvent(payload)
	require.NoError(t, err)
	require.Equal(t, products.S2MSI1C, ev.ProductType)
	require.Equal(t, "31TCH", ev.Tile)
	require.Equal(t, products.Day(20230301), ev.MeasurementDay)
	require.NotNil(t, ev.RelativeOrbit)
	require.Equal(t, 8, *ev.RelativeOrbit)
	require.Equal(t, time.Date(2023, 3, 1, 10, 40, 19, 0, time.UTC), ev.StartDate.UTC())

	r := ev.RawInput()
	require.Equal(t, ev.ID, r.ID)
	require.Equal(t, ev.InputPath, r.InputPath)

	_, err = DecodeRawInputEvent("{not json")
	require.Error(t, err)
}

func TestDecodeRaw2ValidEvent(t *testing.T) {
	ev, err := DecodeRaw2ValidEvent(`{"trigger_validation_id": 42, "raw_input_id": "abc"}`)
	require.NoError(t, err)
	require.Equal(t, int64(42), ev.TriggerValidationID)
	require.Equal(t, "abc", ev.RawInputID)

	_, err = DecodeRaw2ValidEvent(`{"trigger_validation_id": 42}`)
	require.Error(t, err)

	// Round trip through the replay payload.
	again, err := DecodeRaw2ValidEvent(ev.Payload())
	require.NoError(t, err)
	require.Equal(t, ev, again)
}

func TestDecodeTaskEvent(t *testing.T) {
	ev, err := DecodeTaskEvent(`{"id": 7, "trigger_validation_fk_id": 42, "flavour": "eo1.large"}`)
	require.NoError(t, err)
	require.Equal(t, int64(7), ev.ID)
	require.Equal(t, int64(42), ev.TriggerValidationID)
	require.Equal(t, products.FlavourEO1Large, ev.Flavour)

	_, err = DecodeTaskEvent(`{}`)
	require.Error(t, err)

	// Launchers route on the flavour, so a payload without one is rejected
	// rather than broadcast to every instance.
	_, err = DecodeTaskEvent(`{"id": 7, "trigger_validation_fk_id": 42}`)
	require.Error(t, err)

	again, err := DecodeTaskEvent(ev.Payload())
	require.NoError(t, err)
	require.Equal(t, ev, again)
}

func TestMapConflict(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505", Detail: "Key (id)=(x) already exists."}
	require.ErrorIs(t, mapConflict(unique), ErrConflict)

	other := &pgconn.PgError{Code: "23503"}
	require.NotErrorIs(t, mapConflict(other), ErrConflict)
	require.NoError(t, mapConflict(nil))
}
