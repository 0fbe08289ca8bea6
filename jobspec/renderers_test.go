package jobspec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cryoclim/hrwsi/products"
	"github.com/cryoclim/hrwsi/store"
)

// fakeBucket answers presence probes and downloads from in-memory maps.
type fakeBucket struct {
	folders map[string]bool
	objects map[string][]byte
}

func (f *fakeBucket) FolderExistsAndNotEmpty(_ context.Context, bucket, prefix string) (bool, error) {
	return f.folders[bucket+"/"+prefix], nil
}

func (f *fakeBucket) ObjectExists(_ context.Context, bucket, key string) (bool, error) {
	_, ok := f.objects[bucket+"/"+key]
	return ok, nil
}

func (f *fakeBucket) Download(_ context.Context, bucket, key string) ([]byte, error) {
	return f.objects[bucket+"/"+key], nil
}

func testRenderer(hrwsi, eodata *fakeBucket) *Renderer {
	return &Renderer{
		HRWSI:  hrwsi,
		EOData: eodata,
		Now:    func() time.Time { return time.Date(2021, 3, 1, 8, 0, 0, 0, time.UTC) },
	}
}

func decodeDoc(t *testing.T, config string) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(config), &doc))
	return doc
}

func section(t *testing.T, doc map[string]any, key string) map[string]any {
	t.Helper()
	m, ok := doc[key].(map[string]any)
	require.True(t, ok, "document has no %q section", key)
	return m
}

func TestFSCConfig(t *testing.T) {
	r := testRenderer(&fakeBucket{}, &fakeBucket{})
	config, skip, err := r.RoutineConfig(context.Background(), []store.TaskContext{{
		RoutineName:    products.RoutineFSC,
		Tile:           "32TMS",
		MeasurementDay: 20201215,
		InputPath:      "s3://HRWSI-INTERMEDIATE-RESULTS/L2A/32TMS/2020/12/15/SENTINEL2B_20201215-103755-817_L2A_T32TMS_C_V1-0",
	}})
	require.NoError(t, err)
	require.False(t, skip)

	doc := decodeDoc(t, config)
	require.Equal(t, "20201215", doc["date"])
	require.Equal(t,
		"s3://HRWSI-INTERMEDIATE-RESULTS/L2A/32TMS/2020/12/15/SENTINEL2B_20201215-103755-817_L2A_T32TMS_C_V1-0",
		section(t, doc, "input")["L2A"])

	aux := section(t, doc, "auxiliaries")
	require.Equal(t, "s3://HRWSI-AUX/DEM/20m/Copernicus_DSM_04_N02_00_00_DEM_20m_32TMS.tif", aux["DEM"])
	require.Equal(t, "s3://HRWSI-AUX/TCD/20m/TCD_2018_010m_eu_03035_V2_0_20m_32TMS.tif", aux["TCD"])

	const title = "CLMS_WSI_FSC_020m_T32TMS_20201215T103755_S2B_V200"
	require.Equal(t, "s3://HRWSI/FSC/32TMS/2020/12/15/"+title+"/", section(t, doc, "output")["dst"])

	gvMask := section(t, section(t, doc, "intermediates"), "GVmask")
	require.Equal(t, "/opt/wsi/intermediate/"+title+"_GV_mask.tif", gvMask["src"])
	require.Equal(t, "s3://HRWSI-INTERMEDIATE-RESULTS/FSC/32TMS/2020/12/15/"+title+"/"+title+"_GV_mask.tif", gvMask["dst"])

	stdout := section(t, section(t, doc, "log"), "STDOUT")
	require.Equal(t, "s3://HRWSI-LOGS/FSC/32TMS/2020/12/15/20210301T080000_"+title+"_processing_routine.stdout.log", stdout["dst"])
}

func TestFSCConfigRejectsForeignTile(t *testing.T) {
	r := testRenderer(&fakeBucket{}, &fakeBucket{})
	_, _, err := r.RoutineConfig(context.Background(), []store.TaskContext{{
		RoutineName:    products.RoutineFSC,
		Tile:           "31TCH",
		MeasurementDay: 20201215,
		InputPath:      "s3://x/SENTINEL2B_20201215-103755-817_L2A_T32TMS_C_V1-0",
	}})
	require.ErrorContains(t, err, "not on tile 31TCH")
}

func TestCCConfigSkipsWithoutCAMS(t *testing.T) {
	r := testRenderer(&fakeBucket{}, &fakeBucket{})
	_, skip, err := r.RoutineConfig(context.Background(), []store.TaskContext{{
		RoutineName:    products.RoutineCC,
		Tile:           "31TCH",
		MeasurementDay: 20210212,
		InputPath:      "s3://EODATA/Sentinel-2/MSI/L1C/2021/02/12/S2B_MSIL1C_20210212T104021_N0500_R008_T31TCH_20210212T124856.SAFE",
	}})
	require.NoError(t, err)
	require.True(t, skip)
}

const testInspire = `<?xml version="1.0"?>
<gmd:MD_Metadata xmlns:gmd="http://www.isotc211.org/2005/gmd" xmlns:gml="http://www.opengis.net/gml">
  <gml:TimePeriod>
    <gml:beginPosition>2021-02-12T10:40:19</gml:beginPosition>
    <gml:endPosition>2021-02-12T10:40:29</gml:endPosition>
  </gml:TimePeriod>
</gmd:MD_Metadata>`

func TestCCConfigNominalMode(t *testing.T) {
	hrwsi := &fakeBucket{folders: map[string]bool{"HRWSI-AUX/CAMS/2021/02/12/": true}}
	eodata := &fakeBucket{objects: map[string][]byte{
		"EODATA/Sentinel-2/MSI/L1C/2021/02/12/S2B_MSIL1C_20210212T104021_N0500_R008_T31TCH_20210212T124856.SAFE/INSPIRE.xml": []byte(testInspire),
	}}
	r := testRenderer(hrwsi, eodata)

	config, skip, err := r.RoutineConfig(context.Background(), []store.TaskContext{
		{
			RoutineName:    products.RoutineCC,
			Tile:           "31TCH",
			MeasurementDay: 20210212,
			InputPath:      "s3://EODATA/Sentinel-2/MSI/L1C/2021/02/12/S2B_MSIL1C_20210212T104021_N0500_R008_T31TCH_20210212T124856.SAFE",
		},
		{
			RoutineName:    products.RoutineCC,
			Tile:           "31TCH",
			MeasurementDay: 20210210,
			InputPath:      "s3://HRWSI-INTERMEDIATE-RESULTS/L2A/31TCH/2021/02/10/SENTINEL2B_20210210-104356-333_L2A_T31TCH_C_V1-0",
		},
	})
	require.NoError(t, err)
	require.False(t, skip)

	doc := decodeDoc(t, config)
	require.Equal(t, "L2NOMINAL", doc["run_mode"])

	input := section(t, doc, "input")
	require.Equal(t, "20210212", input["measurement_date"])
	// 2021 scenes come from the collection-1 reprocessing.
	require.Equal(t,
		"s3://EODATA/Sentinel-2/MSI/L1C_N0500/2021/02/12/S2B_MSIL1C_20210212T104021_N0500_R008_T31TCH_20210212T124856.SAFE",
		input["L1C"])
	require.Equal(t,
		"s3://HRWSI-INTERMEDIATE-RESULTS/L2A/31TCH/2021/02/10/SENTINEL2B_20210210-104356-333_L2A_T31TCH_C_V1-0",
		input["L2A"])

	// The name stamp 104021 falls inside the INSPIRE window, so it names
	// the product.
	require.Equal(t,
		"s3://HRWSI/CC/31TCH/2021/02/12/CLMS_WSI_CC_020m_T31TCH_20210212T104021_S2B_V100/",
		section(t, doc, "output")["dst"])
}

func TestCCConfigFallsBackToWindowStart(t *testing.T) {
	stamp, err := productMeasurementStamp("20210212T200000", []byte(testInspire))
	require.NoError(t, err)
	require.Equal(t, "20210212T104019", stamp)

	stamp, err = productMeasurementStamp("20210212T104021", []byte(testInspire))
	require.NoError(t, err)
	require.Equal(t, "20210212T104021", stamp)
}

func TestWICS1ConfigSkipsMissingFMI(t *testing.T) {
	// Only the wind delivery is present.
	hrwsi := &fakeBucket{objects: map[string][]byte{
		"HRWSI-AUX/FMI_WINDSPEED/20211227_wind_speed.nc": {},
	}}
	r := testRenderer(hrwsi, &fakeBucket{})

	ctxs := []store.TaskContext{{
		RoutineName:    products.RoutineWICS1,
		Tile:           "28WET",
		MeasurementDay: 20211227,
		InputPath:      "s3://HRWSI-INTERMEDIATE-RESULTS/Backscatter_10m/28WET/2021/12/27/SIG0_20211227T052658_20211227T052723_04E503_009_T28WET_10m_S1AIWGRDH_ENVEO.tif",
	}}
	_, skip, err := r.RoutineConfig(context.Background(), ctxs)
	require.NoError(t, err)
	require.True(t, skip)

	// Both present: a full document is rendered.
	hrwsi.objects["HRWSI-AUX/FMI_TEMPERATURE/20211227_t2m_sum.nc"] = []byte{}
	config, skip, err := r.RoutineConfig(context.Background(), ctxs)
	require.NoError(t, err)
	require.False(t, skip)

	doc := decodeDoc(t, config)
	input := section(t, doc, "input")
	require.Equal(t, "s3://HRWSI-AUX/FMI_WINDSPEED/20211227_wind_speed.nc", input["WIND_SPEED"])
	require.Equal(t,
		"s3://HRWSI-AUX/S1_RADAR_SHADOW_LAYOVER/S1_RADAR_SHADOW_LAYOVER_T28WET_60m_t009_V20240827.tif",
		input["RADARSHADOW"])
	require.Equal(t,
		"s3://HRWSI/WIC_S1/28WET/2021/12/27/CLMS_WSI_WIC_060m_T28WET_20211227T052658_S1A_V100/",
		section(t, doc, "output")["dst"])
}

func TestSWSConfig(t *testing.T) {
	r := testRenderer(&fakeBucket{}, &fakeBucket{})
	config, skip, err := r.RoutineConfig(context.Background(), []store.TaskContext{{
		RoutineName:    products.RoutineSWS,
		Tile:           "28WET",
		MeasurementDay: 20211227,
		InputPath:      "s3://HRWSI-INTERMEDIATE-RESULTS/Backscatter_10m/28WET/2021/12/27/SIG0_20211227T052658_20211227T052723_04E503_009_T28WET_10m_S1AIWGRDH_ENVEO.tif",
	}})
	require.NoError(t, err)
	require.False(t, skip)

	doc := decodeDoc(t, config)
	input := section(t, doc, "input")
	require.Equal(t, "28WET", input["S2_tile"])

	aux := section(t, doc, "auxiliaries")
	// The monthly snow mask follows the measurement month.
	require.Equal(t,
		"s3://HRWSI-AUX/MASK_MOUNTAIN_SNOW_MONTHLY/T28WET_60m_MASK_SNOW_m12_V20211119.tif",
		aux["mask_mountain_snow_monthly"])
	require.Equal(t,
		"s3://HRWSI/SWS/28WET/2021/12/27/CLMS_WSI_SWS_060m_T28WET_20211227T052658_S1A_V200/",
		section(t, doc, "output")["dst"])
}

func TestSIG0Config(t *testing.T) {
	orbit := 9
	r := testRenderer(&fakeBucket{}, &fakeBucket{})
	infos := []store.TaskContext{
		{
			RoutineName:    products.RoutineSIG0,
			Tile:           "28WET",
			MeasurementDay: 20211227,
			RelativeOrbit:  &orbit,
			InputPath:      "/eodata/Sentinel-1/SAR/IW_GRDH_1S/2021/12/27/S1A_IW_GRDH_1SDV_20211227T052658_20211227T052723_041190_04E503_C194.SAFE",
		},
		{
			RoutineName:    products.RoutineSIG0,
			Tile:           "28WET",
			MeasurementDay: 20211227,
			RelativeOrbit:  &orbit,
			InputPath:      "/eodata/Sentinel-1/SAR/IW_GRDH_1S/2021/12/27/S1A_IW_GRDH_1SDV_20211227T052723_20211227T052748_041190_04E503_A001.SAFE",
		},
	}
	config, skip, err := r.RoutineConfig(context.Background(), infos)
	require.NoError(t, err)
	require.False(t, skip)

	doc := decodeDoc(t, config)
	grds, ok := section(t, doc, "input")["GRD"].([]any)
	require.True(t, ok)
	require.Len(t, grds, 2)
	// Scenes before the 2023 reprocessing come from the legacy GRD prefix.
	require.Equal(t,
		"s3://EODATA/Sentinel-1/SAR/GRD/2021/12/27/S1A_IW_GRDH_1SDV_20211227T052658_20211227T052723_041190_04E503_C194.SAFE",
		grds[0])

	// Title spans the pair's acquisition window, orbit is zero padded.
	const title = "SIG0_20211227T052658_20211227T052748_04E503_009_T28WET_10m_S1AIWGRDH_ENVEO.tif"
	require.Equal(t, "s3://HRWSI-INTERMEDIATE-RESULTS/Backscatter_10m/28WET/2021/12/27/"+title,
		section(t, doc, "output")["dst"])
	require.Equal(t, "/opt/wsi/output/"+title, section(t, doc, "output")["src"])
	_, hasQAS := doc["qas"]
	require.False(t, hasQAS)
}

func TestGFSCConfig(t *testing.T) {
	processing := time.Date(2021, 2, 12, 0, 0, 0, 0, time.UTC)
	r := testRenderer(&fakeBucket{}, &fakeBucket{})
	infos := []store.TaskContext{
		{
			RoutineName:    products.RoutineGFSC,
			Tile:           "32TMS",
			MeasurementDay: 20210210,
			ProcessingDate: &processing,
			InputPath:      "s3://HRWSI/FSC/32TMS/2021/02/10/CLMS_WSI_FSC_020m_T32TMS_20210210T103755_S2B_V200",
		},
		{
			RoutineName:    products.RoutineGFSC,
			Tile:           "32TMS",
			MeasurementDay: 20210211,
			ProcessingDate: &processing,
			InputPath:      "s3://HRWSI/SWS/32TMS/2021/02/11/CLMS_WSI_SWS_060m_T32TMS_20210211T052658_S1A_V200/",
		},
	}
	config, skip, err := r.RoutineConfig(context.Background(), infos)
	require.NoError(t, err)
	require.False(t, skip)

	doc := decodeDoc(t, config)
	require.Equal(t, "2021-02-12", doc["date"])
	require.Equal(t, "7", doc["aggregation_timespan"])

	input := section(t, doc, "input")
	fscs := input["FSC"].([]any)
	swss := input["SWS"].([]any)
	require.Len(t, fscs, 1)
	require.Len(t, swss, 1)
	// Product paths are normalized to folder form.
	require.Equal(t, "s3://HRWSI/FSC/32TMS/2021/02/10/CLMS_WSI_FSC_020m_T32TMS_20210210T103755_S2B_V200/", fscs[0])

	require.Equal(t,
		"s3://HRWSI/GFSC/32TMS/2021/02/12/CLMS_WSI_GFSC_060m_T32TMS_20210212P7D_COMB_V102/",
		section(t, doc, "output")["dst"])
}

func TestWICS1S2Config(t *testing.T) {
	r := testRenderer(&fakeBucket{}, &fakeBucket{})
	infos := []store.TaskContext{
		{
			RoutineName:    products.RoutineWICS1S2,
			Tile:           "31TCH",
			MeasurementDay: 20210212,
			InputPath:      "s3://HRWSI/WIC_S1/31TCH/2021/02/12/CLMS_WSI_WIC_060m_T31TCH_20210212T144021_S1A_V100/",
		},
		{
			RoutineName:    products.RoutineWICS1S2,
			Tile:           "31TCH",
			MeasurementDay: 20210212,
			InputPath:      "s3://HRWSI/WIC_S2/31TCH/2021/02/12/CLMS_WSI_WIC_020m_T31TCH_20210212T104021_S2B_V100/",
		},
	}
	config, skip, err := r.RoutineConfig(context.Background(), infos)
	require.NoError(t, err)
	require.False(t, skip)

	doc := decodeDoc(t, config)
	input := section(t, doc, "input")
	require.Len(t, input["WIC_S1"].([]any), 1)
	require.Len(t, input["WIC_S2"].([]any), 1)

	// The 14h S1 acquisition selects the afternoon half day.
	require.Equal(t,
		"s3://HRWSI/WIC_S1S2/31TCH/2021/02/12/CLMS_WSI_WIC_020m_T31TCH_20210212T120000P12H_COMB_V100/",
		section(t, doc, "output")["dst"])
}

func TestWDSConfig(t *testing.T) {
	r := testRenderer(&fakeBucket{}, &fakeBucket{})
	infos := []store.TaskContext{
		{
			RoutineName:    products.RoutineWDS,
			Tile:           "28WET",
			MeasurementDay: 20211227,
			InputPath:      "s3://HRWSI-INTERMEDIATE-RESULTS/Backscatter_10m/28WET/2021/12/27/SIG0_20211227T052658_20211227T052723_04E503_009_T28WET_10m_S1AIWGRDH_ENVEO.tif",
		},
		{
			RoutineName:    products.RoutineWDS,
			Tile:           "28WET",
			MeasurementDay: 20211227,
			InputPath:      "s3://HRWSI/FSC/28WET/2021/12/27/CLMS_WSI_FSC_020m_T28WET_20211227T115801_S2B_V200/",
		},
	}
	config, skip, err := r.RoutineConfig(context.Background(), infos)
	require.NoError(t, err)
	require.False(t, skip)

	doc := decodeDoc(t, config)
	input := section(t, doc, "input")
	fscs := input["FSCs"].([]any)
	require.Equal(t,
		[]any{"s3://HRWSI/FSC/28WET/2021/12/27/CLMS_WSI_FSC_020m_T28WET_20211227T115801_S2B_V200"},
		fscs)
	require.Equal(t,
		"s3://HRWSI/WDS/28WET/2021/12/27/CLMS_WSI_WDS_060m_T28WET_20211227T052658_S1A_V200/",
		section(t, doc, "output")["dst"])
}

func TestMeasurementDayBounds(t *testing.T) {
	r := testRenderer(&fakeBucket{}, &fakeBucket{})
	// Before the Sentinel-2 era.
	_, _, err := r.RoutineConfig(context.Background(), []store.TaskContext{{
		RoutineName:    products.RoutineFSC,
		Tile:           "32TMS",
		MeasurementDay: 20150101,
		InputPath:      "s3://x/SENTINEL2B_20150101-103755-817_L2A_T32TMS_C_V1-0",
	}})
	require.Error(t, err)

	// In the future relative to the renderer clock.
	_, _, err = r.RoutineConfig(context.Background(), []store.TaskContext{{
		RoutineName:    products.RoutineFSC,
		Tile:           "32TMS",
		MeasurementDay: 20250101,
		InputPath:      "s3://x/SENTINEL2B_20250101-103755-817_L2A_T32TMS_C_V1-0",
	}})
	require.Error(t, err)
}
