package harvester

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cryoclim/hrwsi/products"
	"github.com/cryoclim/hrwsi/store"
)

func TestTransformProductFSC(t *testing.T) {
	harvested := time.Date(2021, 2, 12, 12, 0, 0, 0, time.UTC)
	in, ok, err := TransformProduct(store.ProductRow{
		ID:            "CLMS_WSI_FSC_020m_T31TCH_20210212T104021_S2B_V200",
		ProductType:   "S2_FSC_L2B",
		ProductPath:   "s3://HRWSI/FSC/31TCH/2021/02/12/CLMS_WSI_FSC_020m_T31TCH_20210212T104021_S2B_V200/",
		CatalogueDate: time.Date(2021, 2, 12, 11, 30, 0, 0, time.UTC),
	}, harvested)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, products.S2FSCL2B, in.ProductType)
	require.Equal(t, "31TCH", in.Tile)
	require.Equal(t, products.Day(20210212), in.MeasurementDay)
	require.Equal(t, time.Date(2021, 2, 12, 10, 40, 21, 0, time.UTC), in.StartDate)
	require.Equal(t, harvested, in.HarvestingDate)
	require.False(t, in.IsPartial)
}

func TestTransformProductBackscatter(t *testing.T) {
	in, ok, err := TransformProduct(store.ProductRow{
		ID:            "SIG0_20210102T074131_20210102T074200_043635_009_T28WET_10m_S1AIWGRDH_ENVEO",
		ProductType:   "S1_NRB_L2A",
		ProductPath:   "s3://HRWSI-INTERMEDIATE-RESULTS/Backscatter_10m/28WET/2021/01/02/SIG0_20210102T074131_20210102T074200_043635_009_T28WET_10m_S1AIWGRDH_ENVEO.tif",
		CatalogueDate: time.Date(2021, 1, 2, 9, 0, 0, 0, time.UTC),
	}, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, "28WET", in.Tile)
	require.Equal(t, products.Day(20210102), in.MeasurementDay)
	require.NotNil(t, in.RelativeOrbit)
	require.Equal(t, 9, *in.RelativeOrbit)
}

func TestTransformProductIgnoresUpstreamTypes(t *testing.T) {
	// L1C scenes are harvested from the catalogue, never fed back.
	_, ok, err := TransformProduct(store.ProductRow{
		ID:          "S2B_MSIL1C_20230301T104019_N0509_R008_T31TCH_20230301T124856",
		ProductType: "S2MSI1C",
	}, time.Now())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTransformProductRejectsMalformedIdentifier(t *testing.T) {
	_, _, err := TransformProduct(store.ProductRow{
		ID:          "CLMS_WSI_FSC",
		ProductType: "S2_FSC_L2B",
	}, time.Now())
	require.Error(t, err)
}
