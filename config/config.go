// Package config loads the service settings: a YAML settings folder shared
// by all services, plus per-service environment variables for the database,
// the Nomad cluster and Vault.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// SettingsFileName is the entry-point file inside the configuration folder.
const SettingsFileName = "config.yaml"

// Settings is the content of config.yaml. File-valued fields are names of
// sibling files inside the same configuration folder.
type Settings struct {
	TileListFile       string `yaml:"tile_list_file_path" validate:"required"`
	ValidTileTrackSWS  string `yaml:"valid_tile_track_sws" validate:"required"`
	ValidTileTrackWDS  string `yaml:"valid_tile_track_wds" validate:"required"`
	ValidTileTrackWIC  string `yaml:"valid_tile_track_wics1" validate:"required"`

	Harvester struct {
		WaitingSeconds          int `yaml:"waiting_seconds" validate:"gt=0"`
		NotifyDeltaSecondsMax   int `yaml:"delta_seconds_max_between_notifications" validate:"gt=0"`
		PostArchiveSleepSeconds int `yaml:"sleep_time_before_clearing_bookmarks" validate:"gte=0"`
	} `yaml:"harvester_waiting_time"`

	Triggerer struct {
		WaitingSeconds     int `yaml:"waiting_seconds" validate:"gt=0"`
		WaitingGRDHSeconds int `yaml:"waiting_grdh_seconds" validate:"gt=0"`
		WaitingL1CSeconds  int `yaml:"waiting_l1c_seconds" validate:"gt=0"`
	} `yaml:"triggerer_waiting_time"`

	AsyncLoop struct {
		IntervalSeconds int `yaml:"interval" validate:"gt=0"`
	} `yaml:"async_loop"`

	Archive struct {
		IntervalMonths int `yaml:"interval_months" validate:"gte=0"`
		IntervalDays   int `yaml:"interval_days" validate:"gte=0"`
		// CutoverDay splits archive production from NRT production.
		// Tasks with a measurement day strictly before it belong to the
		// archive launcher.
		CutoverDay int `yaml:"cutover_day" validate:"gt=20160801"`
	} `yaml:"archive_parameters"`

	// TriggeringConditions carries the per-rule recency windows, keyed in
	// the file by triggering_condition_name.
	TriggeringConditions []TriggeringCondition `yaml:"triggering_conditions" validate:"required,dive"`
}

// TriggeringCondition is one per-rule parameter block.
type TriggeringCondition struct {
	Name                        string `yaml:"triggering_condition_name" validate:"required"`
	MaxDaySincePublicationDate  int    `yaml:"max_day_since_publication_date" validate:"gt=0"`
	MaxDaySinceMeasurementDate  int    `yaml:"max_day_since_measurement_date" validate:"gt=0"`
}

// Folder is the fully-loaded configuration folder: parsed settings plus the
// tile list and the per-routine orbit whitelists resolved from their files.
type Folder struct {
	Settings Settings

	// TileList is the production tile whitelist, e.g. ["31TCH", "32TLR"].
	TileList []string

	// Valid (tile, relative orbit) whitelists for the track-sensitive
	// radar routines.
	TrackSWS TileTracks
	TrackWDS TileTracks
	TrackWIC TileTracks
}

// Load reads config.yaml from folder and resolves every referenced file.
func Load(folder string) (*Folder, error) {
	var settings Settings
	if err := readYAML(filepath.Join(folder, SettingsFileName), &settings); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(&settings); err != nil {
		return nil, fmt.Errorf("validating %s: %w", SettingsFileName, err)
	}
	if settings.Archive.CutoverDay == 0 {
		settings.Archive.CutoverDay = 20250115
	}

	var out = &Folder{Settings: settings}
	if err := readYAML(filepath.Join(folder, settings.TileListFile), &out.TileList); err != nil {
		return nil, err
	}

	for _, f := range []struct {
		file string
		dst  *TileTracks
	}{
		{settings.ValidTileTrackSWS, &out.TrackSWS},
		{settings.ValidTileTrackWDS, &out.TrackWDS},
		{settings.ValidTileTrackWIC, &out.TrackWIC},
	} {
		var raw map[string]yaml.Node
		if err := readYAML(filepath.Join(folder, f.file), &raw); err != nil {
			return nil, err
		}
		tracks, err := parseTileTracks(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", f.file, err)
		}
		*f.dst = tracks
	}
	return out, nil
}

// Condition returns the parameter block of the named triggering condition.
func (f *Folder) Condition(name string) (TriggeringCondition, error) {
	for _, tc := range f.Settings.TriggeringConditions {
		if tc.Name == name {
			return tc, nil
		}
	}
	return TriggeringCondition{}, fmt.Errorf("triggering condition %q is not configured", name)
}

// HasTile reports whether tile belongs to the production tile list.
func (f *Folder) HasTile(tile string) bool {
	for _, t := range f.TileList {
		if t == tile {
			return true
		}
	}
	return false
}

func readYAML(path string, dst any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}
	if err := yaml.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}
