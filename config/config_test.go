package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSettings = `
tile_list_file_path: tile_list.yaml
valid_tile_track_sws: tracks_sws.yaml
valid_tile_track_wds: tracks_wds.yaml
valid_tile_track_wics1: tracks_wic.yaml
harvester_waiting_time:
  waiting_seconds: 900
  delta_seconds_max_between_notifications: 300
  sleep_time_before_clearing_bookmarks: 3600
triggerer_waiting_time:
  waiting_seconds: 60
  waiting_grdh_seconds: 600
  waiting_l1c_seconds: 600
async_loop:
  interval: 30
archive_parameters:
  interval_months: 1
  interval_days: 0
triggering_conditions:
  - triggering_condition_name: FSC_TC
    max_day_since_publication_date: 7
    max_day_since_measurement_date: 14
  - triggering_condition_name: CC_TC
    max_day_since_publication_date: 7
    max_day_since_measurement_date: 14
`

const testTracks = `
T26WPS: 016 155
T27WXM: 16
T28WET:
  - 9
  - 155
`

func writeFolder(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		SettingsFileName: testSettings,
		"tile_list.yaml": "- 31TCH\n- 26WPS\n",
		"tracks_sws.yaml": testTracks,
		"tracks_wds.yaml": testTracks,
		"tracks_wic.yaml": testTracks,
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestLoad(t *testing.T) {
	folder, err := Load(writeFolder(t))
	require.NoError(t, err)

	require.Equal(t, 900, folder.Settings.Harvester.WaitingSeconds)
	require.Equal(t, 600, folder.Settings.Triggerer.WaitingGRDHSeconds)
	require.Equal(t, 30, folder.Settings.AsyncLoop.IntervalSeconds)
	// Default cutover applies when the file does not set one.
	require.Equal(t, 20250115, folder.Settings.Archive.CutoverDay)

	require.True(t, folder.HasTile("31TCH"))
	require.False(t, folder.HasTile("99ZZZ"))

	tc, err := folder.Condition("FSC_TC")
	require.NoError(t, err)
	require.Equal(t, 7, tc.MaxDaySincePublicationDate)
	_, err = folder.Condition("NOPE_TC")
	require.Error(t, err)
}

func TestLoadRejectsIncompleteSettings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, SettingsFileName), []byte("tile_list_file_path: x\n"), 0o644))
	_, err := Load(dir)
	require.Error(t, err)
}

func TestTileTrackForms(t *testing.T) {
	folder, err := Load(writeFolder(t))
	require.NoError(t, err)

	// Space-separated string with leading zeroes.
	require.True(t, folder.TrackSWS.Valid("26WPS", 16))
	require.True(t, folder.TrackSWS.Valid("26WPS", 155))
	require.False(t, folder.TrackSWS.Valid("26WPS", 17))
	// Bare integer.
	require.True(t, folder.TrackSWS.Valid("27WXM", 16))
	// YAML sequence.
	require.True(t, folder.TrackSWS.Valid("28WET", 9))
	// Unknown tile.
	require.False(t, folder.TrackSWS.Valid("00AAA", 16))
}
