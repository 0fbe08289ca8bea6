// Package catalog queries the upstream EO catalogue (a resto-style search
// API) for candidate inputs. The harvester treats a Search as one call; the
// client paginates internally, retries transport failures with exponential
// backoff and trips a circuit breaker when the catalogue is down.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	retry "github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/cryoclim/hrwsi/products"
)

// Query selects one harvesting window for one product type.
type Query struct {
	Collection      string
	ProductType     products.Type
	PublishedAfter  time.Time
	PublishedBefore time.Time

	// Either a tile code or a WKT geometry restricts the search area.
	Tile     string
	Geometry string

	Polarisation *string
	Timeliness   *string
}

// Candidate is one catalogue item, carrying the attributes that become a
// raw input.
type Candidate struct {
	ID             string
	Path           string
	StartDate      time.Time
	PublishingDate time.Time
	Tile           string
	RelativeOrbit  *int
	IsPartial      bool
}

// Client is a catalogue search client. Safe for concurrent use.
type Client struct {
	base       string
	http       *http.Client
	breaker    *gobreaker.CircuitBreaker
	pageSize   int
	retryDelay time.Duration
}

// NewClient builds a client against the catalogue base URL, e.g.
// "https://datahub.creodias.eu/resto".
func NewClient(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 2 * time.Minute},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "catalog",
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		pageSize:   200,
		retryDelay: 2 * time.Second,
	}
}

type feature struct {
	ID         string `json:"id"`
	Properties struct {
		Title             string  `json:"title"`
		ProductIdentifier string  `json:"productIdentifier"`
		StartDate         string  `json:"startDate"`
		Published         string  `json:"published"`
		RelativeOrbit     *int    `json:"relativeOrbitNumber"`
		Status            *string `json:"status"`
	} `json:"properties"`
}

type featureCollection struct {
	Features []feature `json:"features"`
}

// Search returns every candidate of the query window, fully paginated.
func (c *Client) Search(ctx context.Context, q Query) ([]Candidate, error) {
	var out []Candidate
	for page := 1; ; page++ {
		fc, err := c.searchPage(ctx, q, page)
		if err != nil {
			return nil, err
		}
		for _, f := range fc.Features {
			cand, err := c.toCandidate(q, f)
			if err != nil {
				log.WithError(err).WithField("feature", f.ID).Warn("skipping malformed catalogue item")
				continue
			}
			out = append(out, cand)
		}
		if len(fc.Features) < c.pageSize {
			return out, nil
		}
	}
}

func (c *Client) searchPage(ctx context.Context, q Query, page int) (featureCollection, error) {
	v, err := c.breaker.Execute(func() (any, error) {
		var fc featureCollection
		err := retry.Do(func() error {
			return c.fetchPage(ctx, q, page, &fc)
		},
			retry.Context(ctx),
			retry.Attempts(4),
			retry.Delay(c.retryDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
		)
		return fc, err
	})
	if err != nil {
		return featureCollection{}, fmt.Errorf("searching %s page %d: %w", q.Collection, page, err)
	}
	return v.(featureCollection), nil
}

func (c *Client) fetchPage(ctx context.Context, q Query, page int, fc *featureCollection) error {
	params := url.Values{}
	params.Set("publishedAfter", q.PublishedAfter.UTC().Format(time.RFC3339))
	params.Set("publishedBefore", q.PublishedBefore.UTC().Format(time.RFC3339))
	params.Set("maxRecords", strconv.Itoa(c.pageSize))
	params.Set("page", strconv.Itoa(page))
	params.Set("sortParam", "published")
	params.Set("sortOrder", "ascending")
	if q.ProductType != "" {
		params.Set("productType", string(q.ProductType))
	}
	if q.Tile != "" {
		params.Set("tileId", q.Tile)
	}
	if q.Geometry != "" {
		params.Set("geometry", q.Geometry)
	}
	if q.Polarisation != nil {
		params.Set("polarisation", *q.Polarisation)
	}
	if q.Timeliness != nil {
		params.Set("timeliness", *q.Timeliness)
	}

	endpoint := fmt.Sprintf("%s/collections/%s/search.json?%s", c.base, q.Collection, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building search request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling catalogue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalogue returned status %d", resp.StatusCode)
	}
	if err = json.NewDecoder(resp.Body).Decode(fc); err != nil {
		return fmt.Errorf("decoding catalogue response: %w", err)
	}
	return nil
}

var tileInTitle = regexp.MustCompile(`_T([0-9]{2}[A-Z]{3})_`)

func (c *Client) toCandidate(q Query, f feature) (Candidate, error) {
	start, err := parseCatalogTime(f.Properties.StartDate)
	if err != nil {
		return Candidate{}, fmt.Errorf("start date: %w", err)
	}
	published, err := parseCatalogTime(f.Properties.Published)
	if err != nil {
		return Candidate{}, fmt.Errorf("publishing date: %w", err)
	}

	id := f.Properties.Title
	if id == "" {
		id = f.ID
	}
	path := f.Properties.ProductIdentifier
	if path == "" {
		path = id
	}

	tile := q.Tile
	if m := tileInTitle.FindStringSubmatch(id); m != nil {
		tile = m[1]
	}
	return Candidate{
		ID:             id,
		Path:           path,
		StartDate:      start,
		PublishingDate: published,
		Tile:           tile,
		RelativeOrbit:  f.Properties.RelativeOrbit,
		// GRD scenes arrive as track slices and are paired downstream.
		IsPartial: q.ProductType == products.IWGRDH1S,
	}, nil
}

func parseCatalogTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000000Z07:00", "2006-01-02T15:04:05Z07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
