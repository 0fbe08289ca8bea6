package launcher

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cryoclim/hrwsi/products"
)

// RunArchive drains the back-fill production oldest-first. Each pass
// dispatches every pending task within one window starting at the oldest
// undispatched measurement day, then sleeps the re-processing interval.
func (l *Launcher) RunArchive(ctx context.Context) error {
	for {
		if err := l.DispatchArchiveWindow(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Error("archive pass failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.redriveWait(ctx)):
		}
	}
}

// DispatchArchiveWindow dispatches the pending tasks of the oldest archive
// window of this launcher's flavour.
func (l *Launcher) DispatchArchiveWindow(ctx context.Context) error {
	oldest, ok, err := l.Store.OldestArchiveDay(ctx, l.Flavour, l.Config.TileList, l.cutover())
	if err != nil {
		return err
	}
	if !ok {
		log.Debug("archive backlog is drained")
		return nil
	}

	archive := l.Config.Settings.Archive
	closing, err := archiveWindowEnd(oldest, archive.IntervalMonths, archive.IntervalDays, l.cutover())
	if err != nil {
		return err
	}

	tasks, err := l.Store.ArchiveTasks(ctx, l.Flavour, l.Config.TileList, oldest, closing)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"from":  int(oldest),
		"to":    int(closing),
		"tasks": len(tasks),
	}).Info("dispatching archive window")

	for _, task := range tasks {
		if err := l.HandleTask(ctx, task.ID); err != nil {
			log.WithError(err).WithField("task", task.ID).Error("dispatching archive task failed")
		}
	}
	return nil
}

// archiveWindowEnd closes the window opened at oldest after the configured
// interval, never crossing into the NRT production that starts at cutover.
func archiveWindowEnd(oldest products.Day, months, days int, cutover products.Day) (products.Day, error) {
	start, err := oldest.Time()
	if err != nil {
		return 0, err
	}
	closing := products.DayOf(start.AddDate(0, months, days))

	last, err := cutover.AddDays(-1)
	if err != nil {
		return 0, err
	}
	if closing > last {
		closing = last
	}
	return closing, nil
}
