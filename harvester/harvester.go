// Package harvester discovers new upstream inputs. It polls the resto
// catalogue on the windows configured per triggering condition, inserts the
// candidates it has not seen, and feeds finished products back into the
// input catalogue so that downstream rules can chain on them.
package harvester

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cryoclim/hrwsi/catalog"
	"github.com/cryoclim/hrwsi/config"
	"github.com/cryoclim/hrwsi/products"
	"github.com/cryoclim/hrwsi/store"
)

var (
	harvestedInputs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hrwsi_harvested_inputs_total",
		Help: "Raw inputs inserted from the catalogue, by product type.",
	}, []string{"product_type"})
	fedProducts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hrwsi_fed_products_total",
		Help: "Finished products fed back into the input catalogue.",
	})
)

// Catalogue is the search surface of the resto API.
type Catalogue interface {
	Search(ctx context.Context, q catalog.Query) ([]catalog.Candidate, error)
}

// Harvester runs one harvesting service instance.
type Harvester struct {
	Store   *store.Store
	Catalog Catalogue
	Config  *config.Folder
	// ConfigDir is the settings folder, where geometry files referenced by
	// the harvest parameters live.
	ConfigDir string
	Mode      products.RunMode

	// Now is a clock override for tests.
	Now func() time.Time

	geometries map[string]string
}

func (h *Harvester) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

// Run drives the harvesting loop and the product feedback listener until ctx
// is cancelled.
func (h *Harvester) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.feedProducts(ctx) })
	g.Go(func() error { return h.harvestLoop(ctx) })
	return g.Wait()
}

func (h *Harvester) harvestLoop(ctx context.Context) error {
	interval := time.Duration(h.Config.Settings.Harvester.WaitingSeconds) * time.Second
	for {
		if err := h.HarvestOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Error("harvest cycle failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// HarvestOnce runs one full pass over every configured harvest rule.
func (h *Harvester) HarvestOnce(ctx context.Context) error {
	params, err := h.Store.HarvestParamsList(ctx)
	if err != nil {
		return err
	}

	// Rules whose catch-up window fully drained this pass.
	var recovered []store.HarvestParams
	for _, p := range params {
		switch {
		case h.Mode == products.RunModeArchive:
			if p.ArchiveHarvestStart == nil || p.ArchiveHarvestEnd == nil {
				continue
			}
			err = h.harvestWindow(ctx, p, *p.ArchiveHarvestStart, *p.ArchiveHarvestEnd)
			if err == nil {
				recovered = append(recovered, p)
			}
		case p.NRTHarvestStartDay != nil:
			var start time.Time
			if start, err = products.Day(*p.NRTHarvestStartDay).Time(); err == nil {
				err = h.harvestWindow(ctx, p, start, h.now())
			}
			if err == nil {
				recovered = append(recovered, p)
			}
		default:
			err = h.harvestFresh(ctx, p)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).WithField("rule", p.TriggeringCondition).Error("harvest rule failed")
		}
	}

	if len(recovered) == 0 {
		return nil
	}
	// Give the triggerer time to classify the tail of the catch-up rows as
	// NRT against the still-set bookmarks, then clear them.
	if err := sleepCtx(ctx, time.Duration(h.Config.Settings.Harvester.PostArchiveSleepSeconds)*time.Second); err != nil {
		return err
	}
	for _, p := range recovered {
		if h.Mode == products.RunModeArchive {
			err = h.Store.ClearHarvestBookmarks(ctx, p.TriggeringCondition, p.Timeliness)
		} else {
			err = h.Store.ClearNRTBookmark(ctx, p.TriggeringCondition, p.Timeliness)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// harvestWindow drains a catch-up window in one-day slices. In archive mode
// the persistent bookmark advances behind each slice so that a restart
// resumes where the previous run stopped.
func (h *Harvester) harvestWindow(ctx context.Context, p store.HarvestParams, start, end time.Time) error {
	for day := start.Truncate(24 * time.Hour); !day.After(end); day = day.AddDate(0, 0, 1) {
		next := day.AddDate(0, 0, 1)
		if err := h.search(ctx, p, day, next, products.DayOf(day)); err != nil {
			return err
		}
		if h.Mode == products.RunModeArchive {
			if err := h.Store.AdvanceArchiveStart(ctx, p.TriggeringCondition, next); err != nil {
				return err
			}
		}
	}
	return nil
}

// harvestFresh covers the steady state: search from the latest publishing
// date already seen, bounded by the rule's maximum look-back.
func (h *Harvester) harvestFresh(ctx context.Context, p store.HarvestParams) error {
	now := h.now()
	oldest := now.AddDate(0, 0, -p.MaxDaysSincePublication)
	minMeasurement := now.AddDate(0, 0, -p.MaxDaysSinceMeasurement)

	after := oldest
	// Timeliness-split rules share one input type under two publication
	// streams, so the latest publishing date of one stream must not clip
	// the other.
	if p.Timeliness == nil {
		last, ok, err := h.Store.LatestPublishingDate(ctx, p.InputType)
		if err != nil {
			return err
		}
		if ok && last.After(oldest) {
			after = last
		} else if ok {
			log.WithFields(log.Fields{
				"rule": p.TriggeringCondition,
				"last": last,
			}).Error("latest publishing date beyond the look-back window")
		}
	}
	return h.search(ctx, p, after, now, products.DayOf(minMeasurement))
}

// search queries the catalogue over one publication window and inserts the
// candidates not yet in the input catalogue.
func (h *Harvester) search(ctx context.Context, p store.HarvestParams, after, before time.Time, minDay products.Day) error {
	base := catalog.Query{
		Collection:      p.Collection,
		ProductType:     p.InputType,
		PublishedAfter:  after,
		PublishedBefore: before,
		Polarisation:    p.Polarisation,
		Timeliness:      p.Timeliness,
	}

	var queries []catalog.Query
	switch {
	case p.TileListFile != nil:
		for _, tile := range h.Config.TileList {
			q := base
			q.Tile = tile
			queries = append(queries, q)
		}
	case p.GeometryFile != nil:
		geometry, err := h.geometry(*p.GeometryFile)
		if err != nil {
			return err
		}
		base.Geometry = geometry
		queries = append(queries, base)
	default:
		queries = append(queries, base)
	}

	var candidates []catalog.Candidate
	for _, q := range queries {
		found, err := h.Catalog.Search(ctx, q)
		if err != nil {
			return err
		}
		candidates = append(candidates, found...)
	}
	if len(candidates) == 0 {
		return nil
	}

	fresh, err := h.filterKnown(ctx, p, candidates, minDay)
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		return nil
	}

	inserted, err := h.Store.InsertRawInputs(ctx, fresh)
	if err != nil {
		return err
	}
	harvestedInputs.WithLabelValues(string(p.InputType)).Add(float64(inserted))
	log.WithFields(log.Fields{
		"rule":     p.TriggeringCondition,
		"type":     p.InputType,
		"inserted": inserted,
	}).Info("harvested new inputs")
	return nil
}

// filterKnown drops candidates already present. Timeliness-classified types
// may be republished under a new path for the same acquisition, so they are
// keyed on (tile, start date) instead of the input path.
func (h *Harvester) filterKnown(ctx context.Context, p store.HarvestParams, candidates []catalog.Candidate, minDay products.Day) ([]products.RawInput, error) {
	var fresh []products.RawInput
	keep := func(c catalog.Candidate) {
		fresh = append(fresh, products.RawInput{
			ID:             c.ID,
			ProductType:    p.InputType,
			StartDate:      c.StartDate,
			PublishingDate: c.PublishingDate,
			Tile:           c.Tile,
			MeasurementDay: products.DayOf(c.StartDate),
			RelativeOrbit:  c.RelativeOrbit,
			InputPath:      c.Path,
			IsPartial:      c.IsPartial,
		})
	}

	if p.Timeliness != nil {
		known, err := h.Store.ExistingTileStarts(ctx, p.InputType, minDay)
		if err != nil {
			return nil, err
		}
		for _, c := range candidates {
			key := store.TileStart{Tile: c.Tile, Start: c.StartDate.UTC()}
			if _, ok := known[key]; !ok {
				keep(c)
			}
		}
		return fresh, nil
	}

	known, err := h.Store.ExistingInputPaths(ctx, p.InputType, minDay)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		if _, ok := known[c.Path]; !ok {
			keep(c)
		}
	}
	return fresh, nil
}

func (h *Harvester) geometry(file string) (string, error) {
	if g, ok := h.geometries[file]; ok {
		return g, nil
	}
	raw, err := os.ReadFile(filepath.Join(h.ConfigDir, file))
	if err != nil {
		return "", fmt.Errorf("reading geometry file: %w", err)
	}
	if h.geometries == nil {
		h.geometries = make(map[string]string)
	}
	h.geometries[file] = string(raw)
	return string(raw), nil
}

// feedProducts turns finished products into raw inputs of the next stage.
// Missed notifications are replayed from the products table at startup.
func (h *Harvester) feedProducts(ctx context.Context) error {
	unfed, err := h.Store.UnfedProducts(ctx)
	if err != nil {
		return err
	}
	for _, p := range unfed {
		if err := h.feedOne(ctx, p); err != nil {
			log.WithError(err).WithField("product", p.ID).Error("replaying product failed")
		}
	}

	listener, err := h.Store.Listen(ctx, store.ChannelProductInsertion)
	if err != nil {
		return err
	}
	defer listener.Close()

	for {
		n, err := listener.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var p store.ProductRow
		if err := json.Unmarshal([]byte(n.Payload), &p); err != nil {
			log.WithError(err).Warn("discarding malformed product notification")
			continue
		}
		if err := h.feedOne(ctx, p); err != nil {
			log.WithError(err).WithField("product", p.ID).Error("feeding product failed")
		}
	}
}

func (h *Harvester) feedOne(ctx context.Context, p store.ProductRow) error {
	in, ok, err := TransformProduct(p, h.now())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	inserted, err := h.Store.InsertRawInputs(ctx, []products.RawInput{in})
	if err != nil {
		return err
	}
	if inserted > 0 {
		fedProducts.Inc()
		log.WithFields(log.Fields{
			"product": p.ID,
			"type":    p.ProductType,
		}).Info("product fed back as raw input")
	}
	return nil
}

// TransformProduct shapes a finished product into the raw input of the next
// stage. Product types outside the eligible list are reported with ok=false.
func TransformProduct(p store.ProductRow, harvested time.Time) (products.RawInput, bool, error) {
	typ := products.Type(p.ProductType)
	eligible := false
	for _, e := range products.Eligible {
		if typ == e {
			eligible = true
			break
		}
	}
	if !eligible {
		return products.RawInput{}, false, nil
	}

	parsed, err := products.ParseIdentifier(p.ID, typ)
	if err != nil {
		return products.RawInput{}, false, fmt.Errorf("transforming product %s: %w", p.ID, err)
	}
	return products.FromParsed(p.ID, typ, parsed, p.ProductPath, p.CatalogueDate, harvested), true, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
