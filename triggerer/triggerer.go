// Package triggerer turns harvested inputs into trigger validations. Each
// triggering condition is a rule over data availability: some fire directly
// on an input-insertion notification, others run on a timer because they
// need to observe a whole acquisition day or pair inputs across types.
package triggerer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cryoclim/hrwsi/config"
	"github.com/cryoclim/hrwsi/products"
	"github.com/cryoclim/hrwsi/store"
)

var validationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hrwsi_trigger_validations_total",
	Help: "Trigger validations created, by triggering condition.",
}, []string{"rule"})

// A GRD scene without its track sibling is dispatched alone once it has
// waited this long for the pair to arrive.
const grdOrphanGrace = 2 * time.Hour

// replayRules maps each notification-driven rule to the input types that can
// fire it. On startup the unvalidated inputs of these types are replayed, so
// notifications missed while the service was down are not lost.
var replayRules = []struct {
	tc    string
	types []products.Type
}{
	{products.TCBackscatter, []products.Type{products.IWGRDH1S}},
	{products.TCCC, []products.Type{products.S2MSI1C}},
	{products.TCFSC, []products.Type{products.S2MAJAL2A}},
	{products.TCWICS2, []products.Type{products.S2MAJAL2A}},
	{products.TCSWS, []products.Type{products.S1NRBL2A}},
	{products.TCWICS1, []products.Type{products.S1NRBL2A}},
	{products.TCWDS, []products.Type{products.S2FSCL2B}},
}

// Store is the database surface the rules evaluate against.
type Store interface {
	Listen(ctx context.Context, channels ...string) (*store.Listener, error)
	UnvalidatedInputs(ctx context.Context, tc string, types []products.Type) ([]products.RawInput, error)
	ValidationExists(ctx context.Context, inputID, tc string) (bool, error)
	InsertValidation(ctx context.Context, v store.Validation) (int64, error)
	NRTBookmark(ctx context.Context, typ products.Type) (*products.Day, error)
	InputsOnTileDay(ctx context.Context, typ products.Type, tile string, day products.Day, since time.Time) ([]products.RawInput, error)
	RawInputByID(ctx context.Context, id string) (products.RawInput, bool, error)
	UnpairedGRDH(ctx context.Context) ([]products.RawInput, error)
	UnvalidatedL1C(ctx context.Context) ([]products.RawInput, error)
	LatestL2A(ctx context.Context, tile string, minDay, maxDay products.Day) (string, products.Day, bool, error)
	CCBlockedTiles(ctx context.Context, sinceDay products.Day) ([]string, error)
	CCUndispatchedTiles(ctx context.Context, sinceDay products.Day) ([]string, error)
	CCPendingTaskTiles(ctx context.Context, sinceDay products.Day) ([]string, error)
	CCValidationPending(ctx context.Context, tile string, minDay, maxDay products.Day) (bool, error)
	CCProductExists(ctx context.Context, tile string, minDay, maxDay products.Day) (bool, error)
	WICPairs(ctx context.Context) ([]store.WICPair, error)
	LastProcessingDate(ctx context.Context, typ products.Type) (products.Day, bool, error)
	SetLastProcessingDate(ctx context.Context, typ products.Type, day products.Day) error
	UnsettledTaskCount(ctx context.Context, tcs []string, day products.Day) (int, error)
	TaskExistsTodayOnTileDay(ctx context.Context, tc, tile string, day products.Day) (bool, error)
	FSCAndSWSInWindow(ctx context.Context, tile string, minDay, maxDay products.Day) ([]store.InputRef, error)
	AggregationExists(ctx context.Context, inputIDs []string, tc string, artificialDay products.Day) (bool, error)
}

var _ Store = (*store.Store)(nil)

// Triggerer runs one rule-evaluation service instance.
type Triggerer struct {
	Store  Store
	Config *config.Folder

	// Now is a clock override for tests.
	Now func() time.Time

	// orphans remembers GRD scenes recently validated alone, so a slow
	// validation insert cannot double-fire the orphan rule.
	orphans *cache.Cache
}

func (t *Triggerer) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now().UTC()
}

// Run drives the notification listener and the periodic rule cycles until
// ctx is cancelled.
func (t *Triggerer) Run(ctx context.Context) error {
	grdh := time.Duration(t.Config.Settings.Triggerer.WaitingGRDHSeconds) * time.Second
	l1c := time.Duration(t.Config.Settings.Triggerer.WaitingL1CSeconds) * time.Second

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.listenInputs(ctx) })
	g.Go(func() error { return t.every(ctx, grdh, "grdh-pairing", t.PairGRDH) })
	g.Go(func() error { return t.every(ctx, l1c, "cc-scan", t.ScanL1C) })
	g.Go(func() error { return t.every(ctx, 6*time.Hour, "gfsc-daily", t.DailyAggregations) })
	g.Go(func() error { return t.every(ctx, 10*time.Minute, "wics1s2-pairing", t.PairWIC) })
	return g.Wait()
}

func (t *Triggerer) every(ctx context.Context, d time.Duration, name string, fn func(context.Context) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).WithField("cycle", name).Error("periodic cycle failed")
		}
	}
}

// listenInputs reacts to input-insertion notifications. Inputs inserted while
// the service was down are replayed from the database first.
func (t *Triggerer) listenInputs(ctx context.Context) error {
	listener, err := t.Store.Listen(ctx, store.ChannelInputInsertion)
	if err != nil {
		return err
	}
	defer listener.Close()

	for _, rule := range replayRules {
		pending, err := t.Store.UnvalidatedInputs(ctx, rule.tc, rule.types)
		if err != nil {
			return err
		}
		for _, in := range pending {
			if err := t.HandleInput(ctx, in); err != nil {
				log.WithError(err).WithField("input", in.ID).Error("replaying input failed")
			}
		}
	}

	for {
		n, err := listener.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		ev, err := store.DecodeRawInputEvent(n.Payload)
		if err != nil {
			log.WithError(err).Warn("discarding malformed input notification")
			continue
		}
		if err := t.HandleInput(ctx, ev.RawInput()); err != nil {
			log.WithError(err).WithField("input", ev.ID).Error("evaluating input failed")
		}
	}
}

// HandleInput evaluates the notification-driven rules matching the input's
// product type.
func (t *Triggerer) HandleInput(ctx context.Context, in products.RawInput) error {
	switch in.ProductType {
	case products.IWGRDH1S:
		// Partial scenes wait for the pairing cycle.
		if in.IsPartial {
			return nil
		}
		return t.validate(ctx, products.TCBackscatter, in, nil)

	case products.S2MAJAL2A:
		for _, tc := range []string{products.TCWICS2, products.TCFSC} {
			ok, err := t.freshAndUnseen(ctx, tc, in)
			if err != nil {
				return err
			}
			if ok {
				if err := t.validate(ctx, tc, in, nil); err != nil {
					return err
				}
			}
		}
		return nil

	case products.S1NRBL2A:
		// Wet snow only runs over the production tile list.
		if t.Config.HasTile(in.Tile) {
			ok, err := t.radarEligible(ctx, products.TCSWS, t.Config.TrackSWS, in)
			if err != nil {
				return err
			}
			if ok {
				if err := t.validate(ctx, products.TCSWS, in, nil); err != nil {
					return err
				}
			}
		}
		ok, err := t.radarEligible(ctx, products.TCWICS1, t.Config.TrackWIC, in)
		if err != nil {
			return err
		}
		if ok {
			if err := t.validate(ctx, products.TCWICS1, in, nil); err != nil {
				return err
			}
		}
		fscIDs, err := t.wdsFromBackscatter(ctx, in)
		if err != nil {
			return err
		}
		if len(fscIDs) > 0 {
			return t.validate(ctx, products.TCWDS, in, fscIDs)
		}
		return nil

	case products.S2FSCL2B:
		extra, err := t.wdsFromFSC(ctx, in)
		if err != nil {
			return err
		}
		if len(extra) > 0 {
			return t.validate(ctx, products.TCWDS, in, extra)
		}
		return nil
	}
	return nil
}

// freshAndUnseen reports whether the input was harvested within the rule's
// publication window and carries no validation under the rule yet.
func (t *Triggerer) freshAndUnseen(ctx context.Context, tc string, in products.RawInput) (bool, error) {
	fresh, err := t.withinPublicationWindow(tc, in)
	if err != nil || !fresh {
		return false, err
	}
	exists, err := t.Store.ValidationExists(ctx, in.ID, tc)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

func (t *Triggerer) withinPublicationWindow(tc string, in products.RawInput) (bool, error) {
	cond, err := t.Config.Condition(tc)
	if err != nil {
		return false, err
	}
	earliest := products.DayOf(t.now().AddDate(0, 0, -cond.MaxDaySincePublicationDate))
	return products.DayOf(in.HarvestingDate) >= earliest, nil
}

// radarEligible gates the orbit-sensitive radar rules: freshness, the
// per-tile orbit whitelist, and no prior validation.
func (t *Triggerer) radarEligible(ctx context.Context, tc string, tracks config.TileTracks, in products.RawInput) (bool, error) {
	if in.RelativeOrbit == nil || !tracks.Valid(in.Tile, *in.RelativeOrbit) {
		return false, nil
	}
	return t.freshAndUnseen(ctx, tc, in)
}

// wdsFromBackscatter pairs a fresh backscatter with the snow-cover products
// of the same tile and acquisition day. The rule fires only when at least
// one FSC exists.
func (t *Triggerer) wdsFromBackscatter(ctx context.Context, in products.RawInput) ([]string, error) {
	ok, err := t.radarEligible(ctx, products.TCWDS, t.Config.TrackWDS, in)
	if err != nil || !ok {
		return nil, err
	}
	fscs, err := t.sameTileDay(ctx, products.S2FSCL2B, in)
	if err != nil {
		return nil, err
	}
	return lo.Map(fscs, func(f products.RawInput, _ int) string { return f.ID }), nil
}

// wdsFromFSC is the mirror path: a fresh FSC looks for the latest matching
// backscatter and gathers any sibling FSCs of the same acquisition.
func (t *Triggerer) wdsFromFSC(ctx context.Context, in products.RawInput) ([]string, error) {
	ok, err := t.freshAndUnseen(ctx, products.TCWDS, in)
	if err != nil || !ok {
		return nil, err
	}
	sig0s, err := t.sameTileDay(ctx, products.S1NRBL2A, in)
	if err != nil || len(sig0s) == 0 {
		return nil, err
	}
	sig0 := sig0s[0]
	if sig0.RelativeOrbit == nil || !t.Config.TrackWDS.Valid(in.Tile, *sig0.RelativeOrbit) {
		return nil, nil
	}
	fscs, err := t.sameTileDay(ctx, products.S2FSCL2B, in)
	if err != nil {
		return nil, err
	}
	ids := lo.Map(fscs, func(f products.RawInput, _ int) string { return f.ID })
	return append(ids, sig0.ID), nil
}

// sameTileDay lists inputs of typ sharing the tile and measurement day of
// in, within the WDS publication window, excluding in itself.
func (t *Triggerer) sameTileDay(ctx context.Context, typ products.Type, in products.RawInput) ([]products.RawInput, error) {
	cond, err := t.Config.Condition(products.TCWDS)
	if err != nil {
		return nil, err
	}
	since := t.now().AddDate(0, 0, -cond.MaxDaySincePublicationDate).Truncate(24 * time.Hour)
	found, err := t.Store.InputsOnTileDay(ctx, typ, in.Tile, in.MeasurementDay, since)
	if err != nil {
		return nil, err
	}
	return lo.Filter(found, func(f products.RawInput, _ int) bool { return f.ID != in.ID }), nil
}

// PairGRDH groups the partial GRD scenes by tile, day and orbit. Adjacent
// pairs fire the backscatter rule together; a scene alone past the grace
// period fires it on its own.
func (t *Triggerer) PairGRDH(ctx context.Context) error {
	if t.orphans == nil {
		t.orphans = cache.New(grdOrphanGrace, 30*time.Minute)
	}
	scenes, err := t.Store.UnpairedGRDH(ctx)
	if err != nil {
		return err
	}
	now := t.now()

	groups := lo.GroupBy(scenes, func(s products.RawInput) string {
		orbit := 0
		if s.RelativeOrbit != nil {
			orbit = *s.RelativeOrbit
		}
		return fmt.Sprintf("%s_%d_%d", s.Tile, int(s.MeasurementDay), orbit)
	})
	for key, group := range groups {
		if len(group) < 2 {
			s := group[0]
			if now.Sub(s.HarvestingDate) < grdOrphanGrace {
				continue
			}
			if _, seen := t.orphans.Get(key); seen {
				continue
			}
			if err := t.validate(ctx, products.TCBackscatter, s, nil); err != nil {
				return err
			}
			t.orphans.SetDefault(key, struct{}{})
			continue
		}

		adjacent, err := adjacentScenes(group[0], group[1])
		if err != nil {
			log.WithError(err).WithField("input", group[0].ID).Warn("skipping unparsable GRD group")
			continue
		}
		if adjacent {
			if err := t.validate(ctx, products.TCBackscatter, group[0], []string{group[1].ID}); err != nil {
				return err
			}
		}
	}
	return nil
}

// adjacentScenes reports whether two scenes of the same track abut: one's
// sensing stop is the other's start.
func adjacentScenes(a, b products.RawInput) (bool, error) {
	startA, stopA, err := products.GRDHWindow(sceneName(a.InputPath))
	if err != nil {
		return false, err
	}
	startB, stopB, err := products.GRDHWindow(sceneName(b.InputPath))
	if err != nil {
		return false, err
	}
	return stopA.Equal(startB) || startA.Equal(stopB), nil
}

func sceneName(p string) string {
	name := path.Base(strings.TrimSuffix(p, "/"))
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return name
}

// ScanL1C runs the periodic cloud-classification scan. CC production is
// serialized per tile: a tile with an open or undispatched CC task, or an
// unconsumed CC validation, must drain before the next L1C fires, because
// the next run may chain on the L2A the open task will produce.
func (t *Triggerer) ScanL1C(ctx context.Context) error {
	l1cs, err := t.Store.UnvalidatedL1C(ctx)
	if err != nil {
		return err
	}
	if len(l1cs) == 0 {
		return nil
	}
	cond, err := t.Config.Condition(products.TCCC)
	if err != nil {
		return err
	}
	now := t.now()
	earliestMeasurement := products.DayOf(now.AddDate(0, 0, -cond.MaxDaySinceMeasurementDate))
	earliestPublication := products.DayOf(now.AddDate(0, 0, -cond.MaxDaySincePublicationDate))

	busy := make(map[string]struct{})
	for _, list := range []func(context.Context, products.Day) ([]string, error){
		t.Store.CCBlockedTiles, t.Store.CCUndispatchedTiles, t.Store.CCPendingTaskTiles,
	} {
		tiles, err := list(ctx, earliestMeasurement)
		if err != nil {
			return err
		}
		for _, tile := range tiles {
			busy[tile] = struct{}{}
		}
	}

	// One CC validation per tile per scan.
	done := make(map[string]struct{})
	for _, in := range l1cs {
		if len(done) == len(t.Config.TileList) {
			break
		}
		if _, ok := done[in.Tile]; ok {
			continue
		}
		if !t.Config.HasTile(in.Tile) ||
			products.DayOf(in.PublishingDate) < earliestPublication ||
			in.MeasurementDay < earliestMeasurement {
			continue
		}
		done[in.Tile] = struct{}{}
		if _, ok := busy[in.Tile]; ok {
			continue
		}
		lookback, err := in.MeasurementDay.AddDays(-90)
		if err != nil {
			log.WithError(err).WithField("input", in.ID).Warn("skipping input with invalid measurement day")
			continue
		}
		pending, err := t.Store.CCValidationPending(ctx, in.Tile, lookback, in.MeasurementDay)
		if err != nil {
			return err
		}
		if pending {
			continue
		}
		covered, err := t.Store.CCProductExists(ctx, in.Tile, lookback, in.MeasurementDay)
		if err != nil {
			return err
		}
		if !covered {
			// No prior production in the lookback window: initialize.
			if err := t.validate(ctx, products.TCCC, in, nil); err != nil {
				return err
			}
			continue
		}
		l2aID, _, ok, err := t.Store.LatestL2A(ctx, in.Tile, lookback, in.MeasurementDay)
		if err != nil {
			return err
		}
		var extra []string
		if ok {
			extra = []string{l2aID}
		}
		if err := t.validate(ctx, products.TCCC, in, extra); err != nil {
			return err
		}
	}
	return nil
}

// DailyAggregations drives the weekly-snow aggregation bookmark from its
// last position up to today. A day with unsettled upstream or snow tasks
// parks the local cursor seven days ahead without moving the bookmark, so
// the next cycle retries the same day once production catches up.
func (t *Triggerer) DailyAggregations(ctx context.Context) error {
	day, ok, err := t.Store.LastProcessingDate(ctx, products.GFSCL2C)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("aggregation bookmark unset, skipping daily cycle")
		return nil
	}
	today := products.DayOf(t.now())
	advance := true

	for day < today {
		unsettled := 0
		for _, tcs := range [][]string{
			{products.TCCC, products.TCBackscatter},
			{products.TCFSC, products.TCSWS},
		} {
			n, err := t.Store.UnsettledTaskCount(ctx, tcs, day)
			if err != nil {
				return err
			}
			unsettled += n
		}
		if unsettled != 0 {
			advance = false
			if day, err = day.AddDays(7); err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"unsettled": unsettled,
				"resume":    int(day),
			}).Info("aggregation day not settled yet")
			continue
		}

		weekAgo, err := day.AddDays(-7)
		if err != nil {
			return err
		}
		for _, tile := range t.Config.TileList {
			taskToday, err := t.Store.TaskExistsTodayOnTileDay(ctx, products.TCGFSC, tile, day)
			if err != nil {
				return err
			}
			if taskToday {
				continue
			}
			refs, err := t.Store.FSCAndSWSInWindow(ctx, tile, weekAgo, day)
			if err != nil {
				return err
			}
			if len(refs) == 0 {
				continue
			}
			ids := lo.Map(refs, func(r store.InputRef, _ int) string { return r.ID })
			exists, err := t.Store.AggregationExists(ctx, ids, products.TCGFSC, day)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			isNRT := false
			if first, ok, err := t.Store.RawInputByID(ctx, ids[0]); err != nil {
				return err
			} else if ok {
				if isNRT, err = t.isNRT(ctx, first); err != nil {
					return err
				}
			}
			artificial := day
			if err := t.insert(ctx, store.Validation{
				TriggeringCondition:      products.TCGFSC,
				ValidationDate:           t.now(),
				IsNRT:                    isNRT,
				ArtificialMeasurementDay: &artificial,
				InputIDs:                 ids,
			}); err != nil {
				return err
			}
		}

		if day, err = day.AddDays(1); err != nil {
			return err
		}
		if advance {
			if err := t.Store.SetLastProcessingDate(ctx, products.GFSCL2C, day); err != nil {
				return err
			}
		}
	}
	return nil
}

// PairWIC merges same-tile same-day WICS1 and WICS2 acquisitions. The merged
// validation is NRT only when the acquisition day is today.
func (t *Triggerer) PairWIC(ctx context.Context) error {
	pairs, err := t.Store.WICPairs(ctx)
	if err != nil {
		return err
	}
	today := products.DayOf(t.now())
	for _, p := range pairs {
		exists, err := t.Store.ValidationExists(ctx, p.WICS1ID, products.TCWICS1S2)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := t.insert(ctx, store.Validation{
			TriggeringCondition: products.TCWICS1S2,
			ValidationDate:      t.now(),
			IsNRT:               p.MeasurementDay == today,
			InputIDs:            append([]string{p.WICS1ID}, p.WICS2IDs...),
		}); err != nil {
			return err
		}
	}
	return nil
}

// validate inserts a validation whose NRT status follows the first input.
func (t *Triggerer) validate(ctx context.Context, tc string, first products.RawInput, extra []string) error {
	isNRT, err := t.isNRT(ctx, first)
	if err != nil {
		return err
	}
	return t.insert(ctx, store.Validation{
		TriggeringCondition: tc,
		ValidationDate:      t.now(),
		IsNRT:               isNRT,
		InputIDs:            append([]string{first.ID}, extra...),
	})
}

func (t *Triggerer) insert(ctx context.Context, v store.Validation) error {
	if _, err := t.Store.InsertValidation(ctx, v); err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.WithField("rule", v.TriggeringCondition).Debug("validation already exists")
			return nil
		}
		return err
	}
	validationsCreated.WithLabelValues(v.TriggeringCondition).Inc()
	log.WithFields(log.Fields{
		"rule":   v.TriggeringCondition,
		"inputs": len(v.InputIDs),
		"nrt":    v.IsNRT,
	}).Info("trigger validation created")
	return nil
}

// isNRT classifies the validation as near-real-time. While a catch-up
// bookmark is set for the upstream scene types, anything measured at or
// after it counts as NRT; otherwise the input must have been harvested
// within three hours of publication.
func (t *Triggerer) isNRT(ctx context.Context, in products.RawInput) (bool, error) {
	if in.ProductType == products.S2MSI1C || in.ProductType == products.IWGRDH1S {
		bookmark, err := t.Store.NRTBookmark(ctx, in.ProductType)
		if err != nil {
			return false, err
		}
		if bookmark != nil {
			return in.MeasurementDay >= *bookmark, nil
		}
	}
	return !in.HarvestingDate.Before(in.PublishingDate) &&
		!in.HarvestingDate.After(in.PublishingDate.Add(3*time.Hour)), nil
}
