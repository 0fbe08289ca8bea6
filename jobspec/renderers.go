package jobspec

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/cryoclim/hrwsi/objstore"
	"github.com/cryoclim/hrwsi/products"
	"github.com/cryoclim/hrwsi/store"
)

// Bucket is the object-store surface the renderers need: presence probes of
// auxiliary data and small metadata downloads.
type Bucket interface {
	FolderExistsAndNotEmpty(ctx context.Context, bucket, prefix string) (bool, error)
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)
	Download(ctx context.Context, bucket, key string) ([]byte, error)
}

var _ Bucket = (*objstore.Client)(nil)

// Object store roots of the production project.
const (
	s3AuxRoot          = "s3://HRWSI-AUX"
	s3LogsRoot         = "s3://HRWSI-LOGS"
	s3L2ARoot          = "s3://HRWSI-INTERMEDIATE-RESULTS/L2A"
	s3Sigma0Root       = "s3://HRWSI-INTERMEDIATE-RESULTS/Backscatter_10m"
	s3GVMaskRoot       = "s3://HRWSI-INTERMEDIATE-RESULTS/FSC"
	s3KPIRoot          = "s3://HRWSI-KPI-FILES"
	s3L1CRoot          = "s3://EODATA/Sentinel-2/MSI/L1C"
	s3L1CCollection1   = "s3://EODATA/Sentinel-2/MSI/L1C_N0500"
	s3GRDRoot          = "s3://EODATA/Sentinel-1/SAR/IW_GRDH_1S"
	s3GRDRootPreReproc = "s3://EODATA/Sentinel-1/SAR/GRD"

	workDir = "/opt/wsi"
)

// Aggregated products cover a sliding window of this many days.
const gfscAggregationDays = "7"

// Renderer builds the per-routine YAML configuration documents workers read
// from /local/task_config.yaml.
//
// HRWSI is the project bucket endpoint and serves the auxiliary-data
// presence checks. EOData is the Copernicus mirror, used for L1C metadata.
type Renderer struct {
	HRWSI  Bucket
	EOData Bucket
	Now    func() time.Time
}

func (r *Renderer) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// RoutineConfig renders the configuration document of a task from its input
// contexts, one per attached raw input. A true skip return means a required
// dynamic auxiliary is not yet available and the task must not be launched
// this cycle.
func (r *Renderer) RoutineConfig(ctx context.Context, infos []store.TaskContext) (config string, skip bool, err error) {
	if len(infos) == 0 {
		return "", false, fmt.Errorf("no task context to render")
	}
	ref := infos[0]

	switch ref.RoutineName {
	case products.RoutineCC:
		return r.ccConfig(ctx, infos)
	case products.RoutineFSC:
		return r.fscConfig(ref)
	case products.RoutineSWS:
		return r.swsConfig(ref)
	case products.RoutineWDS:
		return r.wdsConfig(infos)
	case products.RoutineWICS1:
		return r.wics1Config(ctx, ref)
	case products.RoutineWICS2:
		return r.wics2Config(ref)
	case products.RoutineWICS1S2:
		return r.wics1s2Config(infos)
	case products.RoutineGFSC:
		return r.gfscConfig(infos)
	case products.RoutineSIG0:
		return r.sig0Config(infos)
	}
	return "", false, fmt.Errorf("unknown processing routine %q", ref.RoutineName)
}

// ccConfig prepares a MAJA atmospheric-correction run. Two inputs (L1C plus
// a recent L2A) select the L2NOMINAL mode, a single L1C the L2INIT mode.
// The run is skipped while the day's CAMS auxiliaries have not landed.
func (r *Renderer) ccConfig(ctx context.Context, infos []store.TaskContext) (string, bool, error) {
	var l1c, l2a *store.TaskContext
	for i := range infos {
		switch {
		case strings.Contains(baseName(infos[i].InputPath), "MSIL1C"):
			l1c = &infos[i]
		case strings.Contains(baseName(infos[i].InputPath), "L2A"):
			l2a = &infos[i]
		}
	}
	if l1c == nil {
		return "", false, fmt.Errorf("CC task %d has no L1C input", infos[0].ProcessingTaskID)
	}
	if err := validDay(l1c.MeasurementDay, time.Date(2016, 8, 1, 0, 0, 0, 0, time.UTC), r.now()); err != nil {
		return "", false, err
	}
	y, m, d := splitDay(l1c.MeasurementDay)
	tile := l1c.Tile
	ymd := y + m + d

	l1cName := baseName(l1c.InputPath)
	parts := strings.Split(l1cName, "_")
	if len(parts) < 6 {
		return "", false, fmt.Errorf("malformed L1C name %q", l1cName)
	}
	mission := parts[0]
	nameStamp, _, _ := strings.Cut(parts[2], ".")
	if mission != "S2A" && mission != "S2B" {
		return "", false, fmt.Errorf("L1C %q has unknown mission %q", l1cName, mission)
	}
	if day, _, _ := strings.Cut(parts[2], "T"); day != ymd {
		return "", false, fmt.Errorf("L1C %q is not of measurement day %s", l1cName, ymd)
	}
	if strings.TrimPrefix(parts[5], "T") != tile {
		return "", false, fmt.Errorf("L1C %q is not on tile %s", l1cName, tile)
	}

	// The day's CAMS delivery gates the whole run.
	camsFolder := strings.Join([]string{"CAMS", y, m, d, ""}, "/")
	ok, err := r.HRWSI.FolderExistsAndNotEmpty(ctx, bucketOf(s3AuxRoot), camsFolder)
	if err != nil {
		return "", false, err
	}
	if !ok {
		log.WithField("folder", camsFolder).Info("CAMS auxiliaries not delivered yet")
		return "", true, nil
	}

	stamp, err := r.l1cMeasurementStamp(ctx, l1c.InputPath, nameStamp)
	if err != nil {
		return "", false, err
	}

	runMode := "L2INIT"
	input := map[string]any{
		"measurement_date": ymd,
	}
	l1cDay, _ := l1c.MeasurementDay.Time()
	if l1cDay.Before(time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)) {
		// Collection-1 reprocessing of the early archive.
		input["L1C"] = strings.Join([]string{s3L1CCollection1, y, m, d, l1cName}, "/")
	} else {
		input["L1C"] = strings.Join([]string{s3L1CRoot, y, m, d, l1cName}, "/")
	}
	if l2a != nil {
		l2aName := baseName(l2a.InputPath)
		n, err := parseMAJAName(l2aName, tile, "")
		if err != nil {
			return "", false, err
		}
		ly, lm, ld := n.date[:4], n.date[4:6], n.date[6:8]
		input["L2A"] = strings.Join([]string{s3L2ARoot, tile, ly, lm, ld, l2aName}, "/")
		runMode = "L2NOMINAL"
	}

	title := strings.Join([]string{"CLMS", "WSI", "CC", "020m", "T" + tile, stamp, mission, "V100"}, "_")
	doc := map[string]any{
		"auxiliaries": map[string]any{
			"DTM":  strings.Join([]string{s3AuxRoot, "DTM", tile, ""}, "/"),
			"GIPP": s3AuxRoot + "/GIPP/GIPP_DATA.zip",
			"CAMS": s3AuxRoot + "/" + camsFolder,
		},
		"conf": map[string]any{
			"maja_userconf": s3AuxRoot + "/USERCONF/",
		},
		"input": input,
		"output": srcDst(
			strings.Join([]string{workDir, "output", "CC", title, ""}, "/"),
			strings.Join([]string{"s3://HRWSI/CC", tile, y, m, d, title, ""}, "/"),
		),
		"qas": srcDst(
			strings.Join([]string{workDir, "temp", title + "_temp", title + "_QAS.yaml"}, "/"),
			strings.Join([]string{s3KPIRoot + "/CC", tile, y, m, d, title + "_QAS.yaml"}, "/"),
		),
		"intermediates": map[string]any{
			"L2A": srcDst(
				strings.Join([]string{workDir, "output", "L2A", ""}, "/"),
				strings.Join([]string{s3L2ARoot, tile, y, m, d, ""}, "/"),
			),
		},
		"log":      r.logSection("CC", tile, y, m, d, title, ""),
		"run_mode": runMode,
	}
	return marshalDoc(doc)
}

// l1cMeasurementStamp reads the scene's INSPIRE.xml from the Copernicus
// mirror and reconciles it with the timestamp of the product name.
func (r *Renderer) l1cMeasurementStamp(ctx context.Context, l1cPath, nameStamp string) (string, error) {
	bucket, key, err := objstore.SplitURL(l1cPath)
	if err != nil {
		return "", err
	}
	doc, err := r.EOData.Download(ctx, bucket, strings.TrimSuffix(key, "/")+"/INSPIRE.xml")
	if err != nil {
		return "", fmt.Errorf("fetching L1C metadata: %w", err)
	}
	return productMeasurementStamp(nameStamp, doc)
}

func (r *Renderer) fscConfig(ref store.TaskContext) (string, bool, error) {
	if err := validDay(ref.MeasurementDay, time.Date(2016, 9, 1, 0, 0, 0, 0, time.UTC), r.now()); err != nil {
		return "", false, err
	}
	y, m, d := splitDay(ref.MeasurementDay)
	tile := ref.Tile

	l2aName := baseName(ref.InputPath)
	n, err := parseMAJAName(l2aName, tile, y+m+d)
	if err != nil {
		return "", false, err
	}

	title := strings.Join([]string{"CLMS", "WSI", "FSC", "020m", n.tileWithT, n.date + "T" + n.time, n.mission, "V200"}, "_")
	doc := map[string]any{
		"auxiliaries": map[string]any{
			"DEM":        strings.Join([]string{s3AuxRoot, "DEM", "20m", "Copernicus_DSM_04_N02_00_00_DEM_20m_" + tile + ".tif"}, "/"),
			"WATER_MASK": strings.Join([]string{s3AuxRoot, "WL", "20m", "WL_2018_20m_" + tile + ".tif"}, "/"),
			"TCD":        strings.Join([]string{s3AuxRoot, "TCD", "20m", "TCD_2018_010m_eu_03035_V2_0_20m_" + tile + ".tif"}, "/"),
		},
		"date": y + m + d,
		"input": map[string]any{
			"L2A": strings.Join([]string{s3L2ARoot, tile, y, m, d, l2aName}, "/"),
		},
		"output": srcDst(
			strings.Join([]string{workDir, "output", title, ""}, "/"),
			strings.Join([]string{"s3://HRWSI/FSC", tile, y, m, d, title, ""}, "/"),
		),
		"intermediates": map[string]any{
			"GVmask": srcDst(
				strings.Join([]string{workDir, "intermediate", title + "_GV_mask.tif"}, "/"),
				strings.Join([]string{s3GVMaskRoot, tile, y, m, d, title, title + "_GV_mask.tif"}, "/"),
			),
		},
		"log": r.logSection("FSC", tile, y, m, d, title, "_processing_routine"),
		"qas": srcDst(
			strings.Join([]string{workDir, "output", "tmp", title + "_QAS.yaml"}, "/"),
			strings.Join([]string{s3KPIRoot + "/FSC", tile, y, m, d, title + "_QAS.yaml"}, "/"),
		),
	}
	return marshalDoc(doc)
}

func (r *Renderer) swsConfig(ref store.TaskContext) (string, bool, error) {
	if err := validDay(ref.MeasurementDay, time.Date(2016, 8, 1, 0, 0, 0, 0, time.UTC), r.now()); err != nil {
		return "", false, err
	}
	y, m, d := splitDay(ref.MeasurementDay)
	tile := ref.Tile

	sigma0 := baseName(ref.InputPath)
	n, err := parseSigma0Name(sigma0, tile, y+m+d)
	if err != nil {
		return "", false, err
	}

	title := strings.Join([]string{"CLMS_WSI_SWS_060m", "T" + tile, n.date + "T" + n.time, n.mission, "V200"}, "_")
	doc := map[string]any{
		"date": y + m + d,
		"input": map[string]any{
			"sigma0":  strings.Join([]string{s3Sigma0Root, tile, y, m, d, sigma0}, "/"),
			"S2_tile": tile,
		},
		"auxiliaries": map[string]any{
			"mask_forest_urban_water":    strings.Join([]string{s3AuxRoot, "MASK_FOREST_URBAN_WATER", "MASK_FOREST_URBAN_WATER_T" + tile + "_60m_V20240827.tif"}, "/"),
			"mask_mountain_snow_monthly": strings.Join([]string{s3AuxRoot, "MASK_MOUNTAIN_SNOW_MONTHLY", "T" + tile + "_60m_MASK_SNOW_m" + m + "_V20211119.tif"}, "/"),
			"mask_non_mountain_area":     strings.Join([]string{s3AuxRoot, "MASK_NON_MOUNTAIN_AREA", "MASK_NON_MOUNTAIN_AREA_T" + tile + "_60m_V20211119.tif"}, "/"),
			"s1_reference":               strings.Join([]string{s3AuxRoot, "S1_REFERENCE", "S1_REFERENCE_T" + tile + "_60m_t" + n.orbit + "_V20240827.tif"}, "/"),
			"s1_radar_shadow_layover":    strings.Join([]string{s3AuxRoot, "S1_RADAR_SHADOW_LAYOVER", "S1_RADAR_SHADOW_LAYOVER_T" + tile + "_60m_t" + n.orbit + "_V20240827.tif"}, "/"),
			"s1_incidence_angle":         strings.Join([]string{s3AuxRoot, "S1_INCIDENCE_ANGLE", "S1_INCIDENCE_ANGLE_T" + tile + "_60m_t" + n.orbit + "_V20240827.tif"}, "/"),
		},
		"output": srcDst(
			strings.Join([]string{workDir, "output", title, ""}, "/"),
			strings.Join([]string{"s3://HRWSI/SWS", tile, y, m, d, title, ""}, "/"),
		),
		"log": r.logSection("SWS", tile, y, m, d, title, "_processing_routine"),
		"qas": srcDst(
			strings.Join([]string{workDir, "output", title + "_QAS.yaml"}, "/"),
			strings.Join([]string{s3KPIRoot + "/SWS", tile, y, m, d, title + "_QAS.yaml"}, "/"),
		),
	}
	return marshalDoc(doc)
}

func (r *Renderer) wdsConfig(infos []store.TaskContext) (string, bool, error) {
	ref := infos[0]
	if err := validDay(ref.MeasurementDay, time.Date(2016, 8, 1, 0, 0, 0, 0, time.UTC), r.now()); err != nil {
		return "", false, err
	}
	y, m, d := splitDay(ref.MeasurementDay)
	tile := ref.Tile

	var sigma0 string
	var fscs []any
	for _, info := range infos {
		base := baseName(info.InputPath)
		switch {
		case strings.Contains(base, "SIG0"):
			sigma0 = base
		case strings.Contains(info.InputPath, "CLMS_WSI_FSC"):
			fscs = append(fscs, strings.Join([]string{"s3://HRWSI/FSC", tile, y, m, d, base}, "/"))
		}
	}
	if sigma0 == "" {
		return "", false, fmt.Errorf("WDS task %d has no backscatter input", ref.ProcessingTaskID)
	}
	n, err := parseSigma0Name(sigma0, tile, y+m+d)
	if err != nil {
		return "", false, err
	}

	title := strings.Join([]string{"CLMS", "WSI", "WDS", "060m", "T" + tile, n.date + "T" + n.time, n.mission, "V200"}, "_")
	doc := map[string]any{
		"date": y + m + d,
		"input": map[string]any{
			"SIGMA0": strings.Join([]string{s3Sigma0Root, tile, y, m, d, sigma0}, "/"),
			"FSCs":   fscs,
		},
		"auxiliaries": map[string]any{
			"MASK_FOREST_URBAN_WATER": strings.Join([]string{s3AuxRoot, "MASK_FOREST_URBAN_WATER", "MASK_FOREST_URBAN_WATER_T" + tile + "_60m_V20240827.tif"}, "/"),
			"S1_REFERENCE":            strings.Join([]string{s3AuxRoot, "S1_REFERENCE", "S1_REFERENCE_T" + tile + "_60m_t" + n.orbit + "_V20240827.tif"}, "/"),
			"S1_RADAR_SHADOW_LAYOVER": strings.Join([]string{s3AuxRoot, "S1_RADAR_SHADOW_LAYOVER", "S1_RADAR_SHADOW_LAYOVER_T" + tile + "_60m_t" + n.orbit + "_V20240827.tif"}, "/"),
			"S1_INCIDENCE_ANGLE":      strings.Join([]string{s3AuxRoot, "S1_INCIDENCE_ANGLE", "S1_INCIDENCE_ANGLE_T" + tile + "_60m_t" + n.orbit + "_V20240827.tif"}, "/"),
		},
		"output": srcDst(
			strings.Join([]string{workDir, "output", title, ""}, "/"),
			strings.Join([]string{"s3://HRWSI/WDS", tile, y, m, d, title, ""}, "/"),
		),
		"log": r.logSection("WDS", tile, y, m, d, title, ""),
		"qas": srcDst(
			strings.Join([]string{workDir, "output", title + "_QAS.yaml"}, "/"),
			strings.Join([]string{s3KPIRoot + "/WDS", tile, y, m, d, title + "_QAS.yaml"}, "/"),
		),
	}
	return marshalDoc(doc)
}

// wics1Config is skipped until the day's FMI wind speed and temperature
// deliveries are both present.
func (r *Renderer) wics1Config(ctx context.Context, ref store.TaskContext) (string, bool, error) {
	if err := validDay(ref.MeasurementDay, time.Date(2016, 8, 1, 0, 0, 0, 0, time.UTC), r.now()); err != nil {
		return "", false, err
	}
	y, m, d := splitDay(ref.MeasurementDay)
	tile := ref.Tile
	ymd := y + m + d

	sigma0 := baseName(ref.InputPath)
	n, err := parseSigma0Name(sigma0, tile, ymd)
	if err != nil {
		return "", false, err
	}

	windKey := "FMI_WINDSPEED/" + ymd + "_wind_speed.nc"
	temperatureKey := "FMI_TEMPERATURE/" + ymd + "_t2m_sum.nc"
	for _, key := range []string{windKey, temperatureKey} {
		ok, err := r.HRWSI.ObjectExists(ctx, bucketOf(s3AuxRoot), key)
		if err != nil {
			return "", false, err
		}
		if !ok {
			log.WithField("auxiliary", key).Info("dynamic auxiliary not delivered yet")
			return "", true, nil
		}
	}

	title := strings.Join([]string{"CLMS", "WSI", "WIC", "060m", "T" + tile, n.date + "T" + n.time, n.mission, "V100"}, "_")
	doc := map[string]any{
		"auxiliaries": map[string]any{
			"GRASSLAND":      strings.Join([]string{s3AuxRoot, "GRASSLAND", "60m", "GRA_2018_010m_eu_03035_V1_0_60m_" + tile + ".tif"}, "/"),
			"IMPERVIOUSNESS": strings.Join([]string{s3AuxRoot, "IMPERVIOUSNESS", "60m", "IMD_2018_010m_eu_03035_V2_0_60m_" + tile + ".tif"}, "/"),
			"TREE_COVER":     strings.Join([]string{s3AuxRoot, "TCD", "60m", "TCD_2018_010m_eu_03035_V2_0_60m_" + tile + ".tif"}, "/"),
			"WATER_LAYER":    strings.Join([]string{s3AuxRoot, "WL", "60m", "WL_2018_60m_" + tile + ".tif"}, "/"),
		},
		"date":    ymd,
		"tile_id": tile,
		"input": map[string]any{
			"SIGMA0":                      strings.Join([]string{s3Sigma0Root, tile, y, m, d, sigma0}, "/"),
			"CLASSIFICATION_COEFFICIENTS": strings.Join([]string{s3AuxRoot, "WIC_S1_CLASSIFICATION_COEFFICIENTS", "cc_60m_" + tile + ".tif"}, "/"),
			"RADARSHADOW":                 strings.Join([]string{s3AuxRoot, "S1_RADAR_SHADOW_LAYOVER", "S1_RADAR_SHADOW_LAYOVER_T" + tile + "_60m_t" + n.orbit + "_V20240827.tif"}, "/"),
			"TEMPERATURE":                 s3AuxRoot + "/" + temperatureKey,
			"WATER_CATEGORY":              strings.Join([]string{s3AuxRoot, "WIC_S1_WATER_CLASSIFICATION", "wc_60m_" + tile + ".tif"}, "/"),
			"WIND_SPEED":                  s3AuxRoot + "/" + windKey,
		},
		"output": srcDst(
			strings.Join([]string{workDir, "output", title, ""}, "/"),
			strings.Join([]string{"s3://HRWSI/WIC_S1", tile, y, m, d, title, ""}, "/"),
		),
		"log": r.logSection("WIC_S1", tile, y, m, d, title, ""),
		"qas": srcDst(
			strings.Join([]string{workDir, "output", title + "_QAS.yaml"}, "/"),
			strings.Join([]string{s3KPIRoot + "/WIC_S1", tile, y, m, d, title + "_QAS.yaml"}, "/"),
		),
	}
	return marshalDoc(doc)
}

func (r *Renderer) wics2Config(ref store.TaskContext) (string, bool, error) {
	if err := validDay(ref.MeasurementDay, time.Date(2016, 8, 1, 0, 0, 0, 0, time.UTC), r.now()); err != nil {
		return "", false, err
	}
	y, m, d := splitDay(ref.MeasurementDay)
	tile := ref.Tile

	l2aName := baseName(ref.InputPath)
	n, err := parseMAJAName(l2aName, tile, y+m+d)
	if err != nil {
		return "", false, err
	}

	slopeDir := "S2__TEST_AUX_REFDE2_" + tile + "_1001.DBL.DIR"
	slopeName := "S2__TEST_AUX_REFDE2_" + tile + "_1001_SLP_R2.TIF"
	title := strings.Join([]string{"CLMS", "WSI", "WIC", "020m", "T" + tile, n.date + "T" + n.time, n.mission, "V100"}, "_")
	doc := map[string]any{
		"auxiliaries": map[string]any{
			"DEM":         strings.Join([]string{s3AuxRoot, "DEM", "20m", "Copernicus_DSM_04_N02_00_00_DEM_20m_" + tile + ".tif"}, "/"),
			"WATER_LAYER": strings.Join([]string{s3AuxRoot, "WL", "20m", "WL_2018_20m_" + tile + ".tif"}, "/"),
			"SLOPE":       strings.Join([]string{s3AuxRoot, "DTM", tile, slopeDir, slopeName}, "/"),
		},
		"date": y + m + d,
		"input": map[string]any{
			"L2A": strings.Join([]string{s3L2ARoot, tile, y, m, d, l2aName}, "/"),
		},
		"output": srcDst(
			strings.Join([]string{workDir, "output", title}, "/"),
			strings.Join([]string{"s3://HRWSI/WIC_S2", tile, y, m, d, ""}, "/"),
		),
		"log": r.logSection("WIC_S2", tile, y, m, d, title, ""),
		"qas": srcDst(
			strings.Join([]string{workDir, "temp", title + "_temp", title + "_QAS.yaml"}, "/"),
			strings.Join([]string{s3KPIRoot + "/WIC_S2", tile, y, m, d, title + "_QAS.yaml"}, "/"),
		),
	}
	return marshalDoc(doc)
}

func (r *Renderer) wics1s2Config(infos []store.TaskContext) (string, bool, error) {
	ref := infos[0]
	if err := validDay(ref.MeasurementDay, time.Date(2016, 8, 1, 0, 0, 0, 0, time.UTC), r.now()); err != nil {
		return "", false, err
	}
	y, m, d := splitDay(ref.MeasurementDay)
	tile := ref.Tile

	var wicS1, wicS2 []any
	var firstS1 string
	for _, info := range infos {
		switch {
		case strings.Contains(info.InputPath, "/WIC_S1/"):
			if firstS1 == "" {
				firstS1 = info.InputPath
			}
			wicS1 = append(wicS1, info.InputPath)
		case strings.Contains(info.InputPath, "/WIC_S2/"):
			wicS2 = append(wicS2, info.InputPath)
		}
	}
	if len(wicS1) == 0 || len(wicS2) == 0 {
		return "", false, fmt.Errorf("WICS1S2 task %d misses a WIC side", ref.ProcessingTaskID)
	}

	// The product half-day is chosen by the S1 acquisition hour.
	parts := strings.Split(baseName(firstS1), "_")
	if len(parts) < 6 {
		return "", false, fmt.Errorf("malformed WIC S1 name %q", baseName(firstS1))
	}
	_, timePart, _ := strings.Cut(parts[5], "T")
	halfDay := "000000"
	if len(timePart) >= 2 && timePart[:2] >= "12" {
		halfDay = "120000"
	}

	title := strings.Join([]string{"CLMS", "WSI", "WIC", "020m", "T" + tile, y + m + d + "T" + halfDay + "P12H", "COMB", "V100"}, "_")
	doc := map[string]any{
		"input": map[string]any{
			"measurement_date": y + m + d,
			"S2_tile":          tile,
			"WIC_S1":           wicS1,
			"WIC_S2":           wicS2,
		},
		"auxiliaries": map[string]any{
			"WATER_MASK": strings.Join([]string{s3AuxRoot, "WL", "20m", "WL_2018_20m_" + tile + ".tif"}, "/"),
		},
		"output": srcDst(
			strings.Join([]string{workDir, "output", title, ""}, "/"),
			strings.Join([]string{"s3://HRWSI/WIC_S1S2", tile, y, m, d, title, ""}, "/"),
		),
		"log": r.logSection("WIC_S1S2", tile, y, m, d, title, ""),
		"qas": srcDst(
			strings.Join([]string{workDir, "temp", title + "temp", title + "_QAS.yaml"}, "/"),
			strings.Join([]string{s3KPIRoot + "/WIC_S1S2", tile, y, m, d, title + "_QAS.yaml"}, "/"),
		),
	}
	return marshalDoc(doc)
}

// gfscConfig aggregates the FSC and SWS products of a sliding window ending
// at the task's processing date.
func (r *Renderer) gfscConfig(infos []store.TaskContext) (string, bool, error) {
	ref := infos[0]
	if ref.ProcessingDate == nil {
		return "", false, fmt.Errorf("GFSC task %d has no processing date", ref.ProcessingTaskID)
	}
	day := products.DayOf(*ref.ProcessingDate)
	if err := validDay(day, time.Date(2016, 9, 1, 0, 0, 0, 0, time.UTC), r.now()); err != nil {
		return "", false, err
	}
	y, m, d := splitDay(day)
	tile := ref.Tile

	var fscs, swss []any
	for _, info := range infos {
		p := info.InputPath
		if !strings.HasSuffix(p, "/") {
			p += "/"
		}
		switch {
		case strings.Contains(baseName(info.InputPath), "FSC"):
			fscs = append(fscs, p)
		case strings.Contains(baseName(info.InputPath), "SWS"):
			swss = append(swss, p)
		}
	}

	title := strings.Join([]string{"CLMS", "WSI", "GFSC", "060m", "T" + tile,
		y + m + d + "P" + gfscAggregationDays + "D", "COMB", "V102"}, "_")
	doc := map[string]any{
		"date": strings.Join([]string{y, m, d}, "-"),
		"tile": tile,
		"input": map[string]any{
			"SWS": swss,
			"FSC": fscs,
		},
		"aggregation_timespan": gfscAggregationDays,
		"auxiliaries": map[string]any{
			"WATER_MASK": strings.Join([]string{s3AuxRoot, "WL", "60m", "WL_2018_60m_" + tile + ".tif"}, "/"),
		},
		"output": srcDst(
			strings.Join([]string{workDir, "output", title, ""}, "/"),
			strings.Join([]string{"s3://HRWSI/GFSC", tile, y, m, d, title, ""}, "/"),
		),
		"log": r.logSection("GFSC", tile, y, m, d, title, ""),
		"qas": srcDst(
			strings.Join([]string{workDir, "output", title + "_QAS.yaml"}, "/"),
			strings.Join([]string{s3KPIRoot + "/GFSC", tile, y, m, d, title + "_QAS.yaml"}, "/"),
		),
	}
	return marshalDoc(doc)
}

// sig0Config prepares a backscatter computation over the task's GRD scenes.
func (r *Renderer) sig0Config(infos []store.TaskContext) (string, bool, error) {
	ref := infos[0]
	if err := validDay(ref.MeasurementDay, time.Date(2016, 8, 1, 0, 0, 0, 0, time.UTC), r.now()); err != nil {
		return "", false, err
	}
	if ref.RelativeOrbit == nil {
		return "", false, fmt.Errorf("SIG0 task %d has no relative orbit", ref.ProcessingTaskID)
	}
	y, m, d := splitDay(ref.MeasurementDay)
	tile := ref.Tile
	ymd := y + m + d

	// Scenes before the Copernicus IW_GRDH_1S reprocessing live under the
	// old GRD prefix.
	grdRoot := s3GRDRoot
	refDay, _ := ref.MeasurementDay.Time()
	if !refDay.After(time.Date(2023, 2, 21, 0, 0, 0, 0, time.UTC)) {
		grdRoot = s3GRDRootPreReproc
	}

	var grds []any
	var first, last grdName
	for _, info := range infos {
		if !strings.Contains(info.InputPath, "GRD") {
			continue
		}
		name := baseName(info.InputPath)
		n, err := parseGRDName(name, ymd)
		if err != nil {
			return "", false, err
		}
		if len(grds) == 0 {
			first = n
		}
		last = n
		grds = append(grds, strings.Join([]string{grdRoot, y, m, d, name}, "/"))
	}
	if len(grds) == 0 {
		return "", false, fmt.Errorf("SIG0 task %d has no GRD input", ref.ProcessingTaskID)
	}

	orbit := fmt.Sprintf("%03d", *ref.RelativeOrbit)
	title := strings.Join([]string{"SIG0",
		first.date + "T" + first.startTime,
		first.date + "T" + last.stopTime,
		first.acquisition, orbit, "T" + tile, "10m",
		first.mission + "IWGRDH_ENVEO.tif"}, "_")
	doc := map[string]any{
		"date": ymd,
		"tile": tile,
		"input": map[string]any{
			"GRD": grds,
		},
		"auxiliaries": map[string]any{
			"DEM":       strings.Join([]string{s3AuxRoot, "DEM", "10m", "Copernicus_DSM_04_N02_00_00_DEM_10m_" + tile + "_b60m_wgs84.tif"}, "/"),
			"TILES_UTM": strings.Join([]string{s3AuxRoot, "TILES_UTM", "tiles_utm.yml"}, "/"),
		},
		"output": srcDst(
			strings.Join([]string{workDir, "output", title}, "/"),
			strings.Join([]string{s3Sigma0Root, tile, y, m, d, title}, "/"),
		),
		"log": r.logSection("Backscatter_10m", tile, y, m, d, title, ""),
	}
	return marshalDoc(doc)
}

func (r *Renderer) logSection(dir, tile, y, m, d, title, suffix string) map[string]any {
	stamp := r.now().UTC().Format("20060102T150405")
	dst := func(stream string) string {
		return strings.Join([]string{s3LogsRoot, dir, tile, y, m, d,
			stamp + "_" + title + suffix + "." + stream + ".log"}, "/")
	}
	return map[string]any{
		"STDOUT": srcDst(workDir+"/logs/processing_routine.stdout.log", dst("stdout")),
		"STDERR": srcDst(workDir+"/logs/processing_routine.stderr.log", dst("stderr")),
	}
}

func srcDst(src, dst string) map[string]any {
	return map[string]any{"src": src, "dst": dst}
}

func splitDay(day products.Day) (y, m, d string) {
	s := fmt.Sprintf("%08d", int(day))
	return s[:4], s[4:6], s[6:8]
}

func validDay(day products.Day, min time.Time, now time.Time) error {
	t, _ := day.Time()
	if !t.After(min) || !t.Before(now) {
		return fmt.Errorf("measurement day %d outside (%s, now)", int(day), min.Format("2006-01-02"))
	}
	return nil
}

func bucketOf(root string) string {
	return strings.TrimPrefix(root, "s3://")
}

func marshalDoc(doc map[string]any) (string, bool, error) {
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", false, fmt.Errorf("marshalling routine configuration: %w", err)
	}
	return string(out), false, nil
}
