package triggerer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cryoclim/hrwsi/config"
	"github.com/cryoclim/hrwsi/products"
	"github.com/cryoclim/hrwsi/store"
)

// fakeStore serves canned rows to the rule cycles and records the
// validations and bookmark moves they produce.
type fakeStore struct {
	l1cs           []products.RawInput
	ccBlocked      []string
	ccUndispatched []string
	ccPending      []string
	bookmark       *products.Day
	unsettled      map[products.Day]int
	refs           map[string][]store.InputRef
	taskToday      map[string]struct{}
	aggregated     bool
	inputs         map[string]products.RawInput

	validations []store.Validation
	advanced    []products.Day
}

func tileDayKey(tile string, day products.Day) string {
	return fmt.Sprintf("%s/%d", tile, int(day))
}

func (f *fakeStore) Listen(context.Context, ...string) (*store.Listener, error) {
	return nil, fmt.Errorf("no listener in tests")
}

func (f *fakeStore) UnvalidatedInputs(context.Context, string, []products.Type) ([]products.RawInput, error) {
	return nil, nil
}

func (f *fakeStore) ValidationExists(context.Context, string, string) (bool, error) {
	return false, nil
}

func (f *fakeStore) InsertValidation(_ context.Context, v store.Validation) (int64, error) {
	f.validations = append(f.validations, v)
	return int64(len(f.validations)), nil
}

func (f *fakeStore) NRTBookmark(context.Context, products.Type) (*products.Day, error) {
	return nil, nil
}

func (f *fakeStore) InputsOnTileDay(context.Context, products.Type, string, products.Day, time.Time) ([]products.RawInput, error) {
	return nil, nil
}

func (f *fakeStore) RawInputByID(_ context.Context, id string) (products.RawInput, bool, error) {
	in, ok := f.inputs[id]
	return in, ok, nil
}

func (f *fakeStore) UnpairedGRDH(context.Context) ([]products.RawInput, error) {
	return nil, nil
}

func (f *fakeStore) UnvalidatedL1C(context.Context) ([]products.RawInput, error) {
	return f.l1cs, nil
}

func (f *fakeStore) LatestL2A(context.Context, string, products.Day, products.Day) (string, products.Day, bool, error) {
	return "", 0, false, nil
}

func (f *fakeStore) CCBlockedTiles(context.Context, products.Day) ([]string, error) {
	return f.ccBlocked, nil
}

func (f *fakeStore) CCUndispatchedTiles(context.Context, products.Day) ([]string, error) {
	return f.ccUndispatched, nil
}

func (f *fakeStore) CCPendingTaskTiles(context.Context, products.Day) ([]string, error) {
	return f.ccPending, nil
}

func (f *fakeStore) CCValidationPending(context.Context, string, products.Day, products.Day) (bool, error) {
	return false, nil
}

func (f *fakeStore) CCProductExists(context.Context, string, products.Day, products.Day) (bool, error) {
	return false, nil
}

func (f *fakeStore) WICPairs(context.Context) ([]store.WICPair, error) {
	return nil, nil
}

func (f *fakeStore) LastProcessingDate(context.Context, products.Type) (products.Day, bool, error) {
	if f.bookmark == nil {
		return 0, false, nil
	}
	return *f.bookmark, true, nil
}

func (f *fakeStore) SetLastProcessingDate(_ context.Context, _ products.Type, day products.Day) error {
	f.advanced = append(f.advanced, day)
	return nil
}

func (f *fakeStore) UnsettledTaskCount(_ context.Context, _ []string, day products.Day) (int, error) {
	return f.unsettled[day], nil
}

func (f *fakeStore) TaskExistsTodayOnTileDay(_ context.Context, _, tile string, day products.Day) (bool, error) {
	_, ok := f.taskToday[tileDayKey(tile, day)]
	return ok, nil
}

func (f *fakeStore) FSCAndSWSInWindow(_ context.Context, tile string, _, maxDay products.Day) ([]store.InputRef, error) {
	return f.refs[tileDayKey(tile, maxDay)], nil
}

func (f *fakeStore) AggregationExists(context.Context, []string, string, products.Day) (bool, error) {
	return f.aggregated, nil
}

func testTriggerer() *Triggerer {
	folder := &config.Folder{
		TileList: []string{"31TCH", "32TLR"},
		TrackWDS: config.TileTracks{"T31TCH": {9, 110}},
	}
	folder.Settings.TriggeringConditions = []config.TriggeringCondition{
		{Name: products.TCWDS, MaxDaySincePublicationDate: 7, MaxDaySinceMeasurementDate: 30},
		{Name: products.TCCC, MaxDaySincePublicationDate: 7, MaxDaySinceMeasurementDate: 30},
	}
	return &Triggerer{
		Config: folder,
		Now:    func() time.Time { return time.Date(2021, 3, 1, 8, 0, 0, 0, time.UTC) },
	}
}

func TestWithinPublicationWindow(t *testing.T) {
	tr := testTriggerer()

	fresh, err := tr.withinPublicationWindow(products.TCWDS, products.RawInput{
		HarvestingDate: time.Date(2021, 2, 25, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.True(t, fresh)

	stale, err := tr.withinPublicationWindow(products.TCWDS, products.RawInput{
		HarvestingDate: time.Date(2021, 2, 10, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.False(t, stale)

	_, err = tr.withinPublicationWindow("NOPE_TC", products.RawInput{})
	require.Error(t, err)
}

func TestRadarEligibleRejectsForeignOrbit(t *testing.T) {
	tr := testTriggerer()
	orbit := 42

	ok, err := tr.radarEligible(context.Background(), products.TCWDS, tr.Config.TrackWDS, products.RawInput{
		Tile:          "31TCH",
		RelativeOrbit: &orbit,
	})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = tr.radarEligible(context.Background(), products.TCWDS, tr.Config.TrackWDS, products.RawInput{
		Tile: "31TCH",
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHandleInputIgnoresPartialGRD(t *testing.T) {
	tr := testTriggerer()
	err := tr.HandleInput(context.Background(), products.RawInput{
		ProductType: products.IWGRDH1S,
		IsPartial:   true,
	})
	require.NoError(t, err)
}

func TestIsNRTWithinThreeHours(t *testing.T) {
	tr := testTriggerer()
	published := time.Date(2021, 3, 1, 6, 0, 0, 0, time.UTC)

	nrt, err := tr.isNRT(context.Background(), products.RawInput{
		ProductType:    products.S2FSCL2B,
		PublishingDate: published,
		HarvestingDate: published.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	require.True(t, nrt)

	late, err := tr.isNRT(context.Background(), products.RawInput{
		ProductType:    products.S2FSCL2B,
		PublishingDate: published,
		HarvestingDate: published.Add(4 * time.Hour),
	})
	require.NoError(t, err)
	require.False(t, late)
}

func TestAdjacentScenes(t *testing.T) {
	a := products.RawInput{
		InputPath: "s3://EODATA/Sentinel-1/SAR/IW_GRDH_1S/2023/03/01/S1A_IW_GRDH_1SDV_20230301T053000_20230301T053025_047470_05B2F0_AB12.SAFE",
	}
	b := products.RawInput{
		InputPath: "s3://EODATA/Sentinel-1/SAR/IW_GRDH_1S/2023/03/01/S1A_IW_GRDH_1SDV_20230301T053025_20230301T053050_047470_05B2F0_CD34.SAFE",
	}
	c := products.RawInput{
		InputPath: "s3://EODATA/Sentinel-1/SAR/IW_GRDH_1S/2023/03/01/S1A_IW_GRDH_1SDV_20230301T060000_20230301T060025_047470_05B2F0_EF56.SAFE",
	}

	adjacent, err := adjacentScenes(a, b)
	require.NoError(t, err)
	require.True(t, adjacent)

	adjacent, err = adjacentScenes(b, a)
	require.NoError(t, err)
	require.True(t, adjacent)

	adjacent, err = adjacentScenes(a, c)
	require.NoError(t, err)
	require.False(t, adjacent)
}

func TestSceneName(t *testing.T) {
	require.Equal(t,
		"S1A_IW_GRDH_1SDV_20230301T053000_20230301T053025_047470_05B2F0_AB12",
		sceneName("s3://EODATA/x/S1A_IW_GRDH_1SDV_20230301T053000_20230301T053025_047470_05B2F0_AB12.SAFE/"))
}

func TestScanL1CSerializesBusyTiles(t *testing.T) {
	tr := testTriggerer()
	published := time.Date(2021, 2, 28, 10, 0, 0, 0, time.UTC)
	l1c := func(id, tile string) products.RawInput {
		return products.RawInput{
			ID:             id,
			ProductType:    products.S2MSI1C,
			Tile:           tile,
			MeasurementDay: 20210228,
			PublishingDate: published,
			HarvestingDate: published.Add(time.Hour),
		}
	}
	fs := &fakeStore{
		l1cs: []products.RawInput{l1c("l1c-31tch", "31TCH"), l1c("l1c-32tlr", "32TLR")},
		// 31TCH must drain its open CC work before the next L1C fires.
		ccBlocked: []string{"31TCH"},
		ccPending: []string{"31TCH"},
	}
	tr.Store = fs

	require.NoError(t, tr.ScanL1C(context.Background()))
	require.Len(t, fs.validations, 1)
	require.Equal(t, products.TCCC, fs.validations[0].TriggeringCondition)
	require.Equal(t, []string{"l1c-32tlr"}, fs.validations[0].InputIDs)
}

func TestDailyAggregationsHoldsBookmarkWhileUnsettled(t *testing.T) {
	tr := testTriggerer()
	bookmark := products.Day(20210220)
	fs := &fakeStore{
		bookmark:  &bookmark,
		unsettled: map[products.Day]int{20210220: 1},
	}
	tr.Store = fs

	require.NoError(t, tr.DailyAggregations(context.Background()))

	// The unsettled day parked the cursor a week ahead without moving the
	// persistent bookmark, so the next cycle retries from the same place.
	require.Empty(t, fs.advanced)
	require.Empty(t, fs.validations)
}

func TestDailyAggregationsAdvancesWhenSettled(t *testing.T) {
	tr := testTriggerer()
	published := time.Date(2021, 2, 27, 10, 0, 0, 0, time.UTC)
	bookmark := products.Day(20210227)
	fs := &fakeStore{
		bookmark: &bookmark,
		refs: map[string][]store.InputRef{
			tileDayKey("31TCH", 20210227): {{ID: "fsc-1", Type: products.S2FSCL2B}},
		},
		inputs: map[string]products.RawInput{
			"fsc-1": {
				ID:             "fsc-1",
				ProductType:    products.S2FSCL2B,
				PublishingDate: published,
				HarvestingDate: published.Add(time.Hour),
			},
		},
	}
	tr.Store = fs

	require.NoError(t, tr.DailyAggregations(context.Background()))

	require.Len(t, fs.validations, 1)
	v := fs.validations[0]
	require.Equal(t, products.TCGFSC, v.TriggeringCondition)
	require.Equal(t, []string{"fsc-1"}, v.InputIDs)
	require.NotNil(t, v.ArtificialMeasurementDay)
	require.Equal(t, products.Day(20210227), *v.ArtificialMeasurementDay)
	require.True(t, v.IsNRT)

	// Every scanned day settled, so the bookmark walked up to today.
	require.Equal(t, []products.Day{20210228, 20210301}, fs.advanced)
}

func TestDailyAggregationsSkipsTileWithTodaysTask(t *testing.T) {
	tr := testTriggerer()
	bookmark := products.Day(20210227)
	fs := &fakeStore{
		bookmark: &bookmark,
		refs: map[string][]store.InputRef{
			tileDayKey("31TCH", 20210227): {{ID: "fsc-1", Type: products.S2FSCL2B}},
		},
		taskToday: map[string]struct{}{tileDayKey("31TCH", 20210227): {}},
	}
	tr.Store = fs

	require.NoError(t, tr.DailyAggregations(context.Background()))
	require.Empty(t, fs.validations)
	require.Equal(t, []products.Day{20210228, 20210301}, fs.advanced)
}
