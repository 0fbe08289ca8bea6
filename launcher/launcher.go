// Package launcher turns processing tasks into running Nomad batch jobs.
// One launcher instance serves one routine flavour in one run mode; the
// NRT launcher listens for task insertions while the archive launcher
// drains the back-fill window oldest-first.
package launcher

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cryoclim/hrwsi/config"
	"github.com/cryoclim/hrwsi/jobspec"
	"github.com/cryoclim/hrwsi/nomadjob"
	"github.com/cryoclim/hrwsi/products"
	"github.com/cryoclim/hrwsi/store"
)

var jobsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hrwsi_dispatched_jobs_total",
	Help: "Nomad jobs dispatched, by processing routine.",
}, []string{"routine"})

var jobsLost = promauto.NewCounter(prometheus.CounterOpts{
	Name: "hrwsi_lost_jobs_total",
	Help: "Dispatches declared lost and marked for relaunch.",
})

const (
	// relaunchExitCode marks a sweeper-injected error status. It is excluded
	// from the genuine error count.
	relaunchExitCode = 404

	// lostCallbackAfter is how long a dispatch may stay silent before the
	// sweeper declares its worker lost.
	lostCallbackAfter = time.Hour

	// minRuntimeMinutes floors the per-routine runtime used by the no-exit-code
	// threshold, so short routines are not swept during scheduler hiccups.
	minRuntimeMinutes = 7

	// maxWorkerErrors ends a task after this many genuine worker errors.
	maxWorkerErrors = 3

	// awaitAllocation bounds the wait for a submitted job's first allocation.
	awaitAllocation = 5 * time.Minute
)

// Submitter is the scheduler surface the dispatcher needs.
type Submitter interface {
	Submit(ctx context.Context, hcl string) (string, error)
	AwaitAllocation(ctx context.Context, jobName string) (string, error)
	AllocationState(ctx context.Context, allocID string) (nomadjob.JobState, error)
}

var _ Submitter = (*nomadjob.Client)(nil)

// ConfigRenderer produces the per-routine YAML configuration of a task.
type ConfigRenderer interface {
	RoutineConfig(ctx context.Context, infos []store.TaskContext) (config string, skip bool, err error)
}

var _ ConfigRenderer = (*jobspec.Renderer)(nil)

// Launcher dispatches the tasks of one flavour.
type Launcher struct {
	Store    *store.Store
	Nomad    Submitter
	Renderer ConfigRenderer
	Config   *config.Folder

	Flavour products.Flavour
	Mode    products.RunMode

	// NomadToken is passed through to the worker for its status callbacks.
	NomadToken string
	// Files are inlined into every rendered job specification. The worker
	// script must already be personalized.
	Files jobspec.Files

	// Now is a clock override for tests.
	Now func() time.Time

	mu       sync.Mutex
	inflight map[int64]struct{}
}

func (l *Launcher) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now().UTC()
}

func (l *Launcher) cutover() products.Day {
	return products.Day(l.Config.Settings.Archive.CutoverDay)
}

// redriveWait reads the re-processing interval from the launcher tuning
// table, falling back to the async-loop interval of the settings file.
func (l *Launcher) redriveWait(ctx context.Context) time.Duration {
	fallback := time.Duration(l.Config.Settings.AsyncLoop.IntervalSeconds) * time.Second

	params, err := l.Store.LauncherConfig(ctx)
	if err != nil {
		log.WithError(err).Warn("reading launcher config failed")
		return fallback
	}
	raw, ok := params["pt_reprocessing_waiting_time"]
	if !ok {
		return fallback
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		log.WithField("value", raw).Warn("ignoring malformed pt_reprocessing_waiting_time")
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// Run serves the NRT side: the insertion listener plus the three periodic
// recovery loops. It returns when ctx is cancelled.
func (l *Launcher) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return l.listenTasks(ctx) })
	group.Go(func() error { return l.every(ctx, "undispatched-redrive", l.RedriveUndispatched) })
	group.Go(func() error { return l.every(ctx, "in-error-redrive", l.RedriveInError) })
	group.Go(func() error { return l.every(ctx, "lost-job-sweep", l.SweepLost) })

	return group.Wait()
}

func (l *Launcher) every(ctx context.Context, name string, fn func(context.Context) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.redriveWait(ctx)):
		}
		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).WithField("loop", name).Error("recovery loop iteration failed")
		}
	}
}

func (l *Launcher) listenTasks(ctx context.Context) error {
	listener, err := l.Store.Listen(ctx, store.ChannelTaskInsertion)
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
		ev, err := store.DecodeTaskEvent(n.Payload)
		if err != nil {
			log.WithError(err).Warn("discarding malformed task notification")
			continue
		}
		if !l.wantsEvent(ev) {
			continue
		}
		if err := l.HandleTask(ctx, ev.ID); err != nil {
			log.WithError(err).WithField("task", ev.ID).Error("dispatching task failed")
		}
	}
}

// wantsEvent reports whether a task notification targets this launcher's
// flavour. Foreign-flavour events are discarded without touching the
// database.
func (l *Launcher) wantsEvent(ev store.TaskEvent) bool {
	if ev.Flavour != l.Flavour {
		log.WithFields(log.Fields{
			"task":    ev.ID,
			"flavour": ev.Flavour,
		}).Debug("ignoring task of another flavour")
		return false
	}
	return true
}

// HandleTask dispatches one task by id if it belongs to this launcher's
// flavour. Concurrent notifications for the same task collapse to one
// dispatch attempt.
func (l *Launcher) HandleTask(ctx context.Context, taskID int64) error {
	if !l.claim(taskID) {
		log.WithField("task", taskID).Debug("task already being dispatched")
		return nil
	}
	defer l.release(taskID)

	task, ok, err := l.Store.TaskForFlavour(ctx, taskID, l.Flavour)
	if err != nil {
		return err
	}
	if !ok {
		log.WithField("task", taskID).Debug("task belongs to another flavour")
		return nil
	}
	return l.Dispatch(ctx, task)
}

func (l *Launcher) claim(taskID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight == nil {
		l.inflight = make(map[int64]struct{})
	}
	if _, busy := l.inflight[taskID]; busy {
		return false
	}
	l.inflight[taskID] = struct{}{}
	return true
}

func (l *Launcher) release(taskID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, taskID)
}

// Dispatch renders and submits one task, then records the dispatch. A task
// with a live worker, or whose routine configuration asks to skip, is left
// alone.
func (l *Launcher) Dispatch(ctx context.Context, task store.Task) error {
	deployed, err := l.Store.CurrentlyDeployed(ctx, task.ID)
	if err != nil {
		return err
	}
	if deployed {
		log.WithField("task", task.ID).Debug("worker still live, not re-submitting")
		return nil
	}

	infos, err := l.Store.TaskContexts(ctx, task.TriggerValidationID)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		return fmt.Errorf("task %d has no render context", task.ID)
	}
	ref := infos[0]

	routineConfig, skip, err := l.Renderer.RoutineConfig(ctx, infos)
	if err != nil {
		return err
	}
	if skip {
		log.WithFields(log.Fields{
			"task":    task.ID,
			"routine": ref.RoutineName,
		}).Info("routine configuration asked to skip, not dispatching")
		return nil
	}

	group, workerGroup := jobspec.Groups(l.Mode)
	hcl := jobspec.Render(jobspec.Params{
		TaskID:          task.ID,
		ValidationID:    task.TriggerValidationID,
		Group:           group,
		WorkerGroup:     workerGroup,
		Flavour:         l.Flavour,
		Routine:         ref.RoutineName,
		DockerImage:     ref.DockerImage,
		RAM:             ref.RAM,
		DurationMinutes: ref.DurationMinutes,
		ProductType:     ref.ProductType,
		InputID:         ref.RawInputID,
		InputPath:       ref.InputPath,
		JobUUID:         uuid.New(),
		NomadToken:      l.NomadToken,
		StartTime:       l.now(),
		RoutineConfig:   routineConfig,
		Files:           l.Files,
	})

	evalID, err := l.Nomad.Submit(ctx, hcl)
	if err != nil {
		return fmt.Errorf("submitting task %d: %w", task.ID, err)
	}
	log.WithFields(log.Fields{"task": task.ID, "eval": evalID}).Debug("job registered")

	waitCtx, cancel := context.WithTimeout(ctx, awaitAllocation)
	defer cancel()
	allocID, err := l.Nomad.AwaitAllocation(waitCtx, jobspec.JobName(task.ID))
	if err != nil {
		return fmt.Errorf("awaiting allocation of task %d: %w", task.ID, err)
	}

	// The allocation id doubles as the dispatch key the worker reports
	// its statuses against.
	dispatchID, err := uuid.Parse(allocID)
	if err != nil {
		return fmt.Errorf("allocation id %q of task %d is not a uuid: %w", allocID, task.ID, err)
	}

	state, err := l.Nomad.AllocationState(ctx, allocID)
	if err != nil {
		return fmt.Errorf("reading state of task %d: %w", task.ID, err)
	}
	if err := l.Store.RecordDispatch(ctx, dispatchID, task.ID, state.Status, state.SubmitTime); err != nil {
		return err
	}

	jobsDispatched.WithLabelValues(ref.RoutineName).Inc()
	log.WithFields(log.Fields{
		"task":     task.ID,
		"routine":  ref.RoutineName,
		"dispatch": dispatchID,
		"status":   state.Status,
	}).Info("task dispatched")
	return nil
}

// RedriveUndispatched dispatches NRT tasks that never reached the scheduler,
// typically because the launcher was down when they were inserted.
func (l *Launcher) RedriveUndispatched(ctx context.Context) error {
	tasks, err := l.Store.UndispatchedTasks(ctx, l.Flavour, l.cutover())
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := l.HandleTask(ctx, task.ID); err != nil {
			log.WithError(err).WithField("task", task.ID).Error("re-driving undispatched task failed")
		}
	}
	return nil
}

// RedriveInError re-dispatches open tasks whose last worker run errored.
// A task past the error budget is ended instead.
func (l *Launcher) RedriveInError(ctx context.Context) error {
	tasks, err := l.Store.InErrorTasks(ctx, l.Flavour, l.cutover())
	if err != nil {
		return err
	}
	for _, task := range tasks {
		recovered, err := l.lastDispatchRecovered(ctx, task.ID)
		if err != nil {
			return err
		}
		if recovered {
			continue
		}
		errs, err := l.Store.ErrorCount(ctx, task.ID)
		if err != nil {
			return err
		}
		if errs >= maxWorkerErrors {
			log.WithFields(log.Fields{
				"task":   task.ID,
				"errors": errs,
			}).Warn("error budget exhausted, ending task")
			if err := l.Store.SetTaskEnded(ctx, task.ID); err != nil {
				return err
			}
			continue
		}
		if err := l.HandleTask(ctx, task.ID); err != nil {
			log.WithError(err).WithField("task", task.ID).Error("re-driving in-error task failed")
		}
	}
	return nil
}

// lastDispatchRecovered reports whether the task's most recent dispatch has
// moved past the error that listed it, so a stale in-error row does not
// trigger a duplicate submission.
func (l *Launcher) lastDispatchRecovered(ctx context.Context, taskID int64) (bool, error) {
	dispatchID, ok, err := l.Store.LatestDispatchID(ctx, taskID)
	if err != nil || !ok {
		return false, err
	}
	statusID, ok, err := l.Store.LastStatusID(ctx, dispatchID)
	if err != nil || !ok {
		return false, err
	}
	switch statusID {
	case products.StatusStarted.ID(), products.StatusProcessed.ID(), products.StatusTerminated.ID():
		return true, nil
	}
	return false, nil
}

// SweepLost finds dispatches whose worker went silent and injects an error
// status with the relaunch sentinel, handing the task back to the in-error
// re-driver.
func (l *Launcher) SweepLost(ctx context.Context) error {
	open, err := l.Store.UnfinishedDispatches(ctx, l.Flavour, l.cutover())
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}
	callbacks, err := l.Store.CallbackDispatchIDs(ctx, l.Flavour, l.cutover())
	if err != nil {
		return err
	}
	exits, err := l.Store.ExitCodeDispatchIDs(ctx, l.Flavour, l.cutover())
	if err != nil {
		return err
	}

	now := l.now()
	for _, d := range open {
		lost := lostDispatch(d, callbacks, exits, now)
		if !lost {
			// A dispatch that never reported anything and that the
			// scheduler does not know about is gone, whatever its age.
			if _, reported := callbacks[d.DispatchID]; !reported {
				if _, err := l.Nomad.AllocationState(ctx, d.DispatchID.String()); err != nil {
					log.WithError(err).WithField("dispatch", d.DispatchID).Warn("scheduler has no record of dispatch")
					lost = true
				}
			}
		}
		if !lost {
			continue
		}
		log.WithFields(log.Fields{
			"task":     d.ID,
			"dispatch": d.DispatchID,
			"age":      now.Sub(d.DispatchDate).String(),
		}).Warn("worker lost, marking dispatch for relaunch")

		exit := relaunchExitCode
		if err := l.Store.AppendStatus(ctx, d.DispatchID, products.StatusInternalError, now, &exit); err != nil {
			return err
		}
		jobsLost.Inc()
	}
	return nil
}

// lostDispatch reports whether a dispatch overran its silence budget. A
// worker that never reported an exit code gets three times its routine's
// nominal runtime; one that never reported any status at all gets a flat
// hour.
func lostDispatch(d store.DispatchedTask, callbacks, exits map[uuid.UUID]struct{}, now time.Time) bool {
	age := now.Sub(d.DispatchDate)

	if _, ok := exits[d.DispatchID]; !ok {
		minutes := d.DurationMinutes
		if minutes < minRuntimeMinutes {
			minutes = minRuntimeMinutes
		}
		if age > 3*time.Duration(minutes)*time.Minute {
			return true
		}
	}
	if _, ok := callbacks[d.DispatchID]; !ok && age > lostCallbackAfter {
		return true
	}
	return false
}
