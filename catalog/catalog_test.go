package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cryoclim/hrwsi/products"
)

func testFeature(i int) string {
	return fmt.Sprintf(`{
		"id": "feat-%d",
		"properties": {
			"title": "S2B_MSIL1C_20230301T104019_N0509_R008_T31TCH_2023030%dT124856",
			"productIdentifier": "/eodata/Sentinel-2/MSI/L1C/2023/03/01/item-%d.SAFE",
			"startDate": "2023-03-01T10:40:19.024Z",
			"published": "2023-03-01T13:05:00Z",
			"relativeOrbitNumber": 8
		}
	}`, i, i%10, i)
}

func TestSearchPaginates(t *testing.T) {
	var pagesSeen []int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/resto/collections/SENTINEL-2/search.json", r.URL.Path)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		pagesSeen = append(pagesSeen, page)

		// Two full pages then a short one.
		count := 2
		if page == 3 {
			count = 1
		}
		body := `{"features":[`
		for i := 0; i < count; i++ {
			if i > 0 {
				body += ","
			}
			body += testFeature(page*10 + i)
		}
		body += `]}`
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	client := NewClient(server.URL + "/resto")
	client.pageSize = 2

	got, err := client.Search(context.Background(), Query{
		Collection:      "SENTINEL-2",
		ProductType:     products.S2MSI1C,
		PublishedAfter:  time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC),
		PublishedBefore: time.Date(2023, 3, 2, 0, 0, 0, 0, time.UTC),
		Tile:            "31TCH",
	})
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.Equal(t, []int{1, 2, 3}, pagesSeen)

	first := got[0]
	require.Equal(t, "31TCH", first.Tile)
	require.Equal(t, "/eodata/Sentinel-2/MSI/L1C/2023/03/01/item-10.SAFE", first.Path)
	require.Equal(t, time.Date(2023, 3, 1, 10, 40, 19, 24e6, time.UTC), first.StartDate)
	require.Equal(t, time.Date(2023, 3, 1, 13, 5, 0, 0, time.UTC), first.PublishingDate)
	require.NotNil(t, first.RelativeOrbit)
	require.Equal(t, 8, *first.RelativeOrbit)
	require.False(t, first.IsPartial)
}

func TestSearchRetriesTransientFailures(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `{"features":[%s]}`, testFeature(1))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	// Keep the test fast.
	client.retryDelay = 10 * time.Millisecond

	got, err := client.Search(context.Background(), Query{
		Collection:      "SENTINEL-1",
		ProductType:     products.IWGRDH1S,
		PublishedAfter:  time.Now().Add(-time.Hour),
		PublishedBefore: time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 3, calls)
	// GRD scenes are track slices.
	require.True(t, got[0].IsPartial)
}

func TestSearchSurfacesPermanentFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	client.retryDelay = 10 * time.Millisecond
	_, err := client.Search(context.Background(), Query{Collection: "SENTINEL-2"})
	require.Error(t, err)
}
