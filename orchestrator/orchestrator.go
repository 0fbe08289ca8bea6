// Package orchestrator materializes trigger validations as processing
// tasks. It is the only writer of the processing_tasks table; the insert
// notification it raises hands the task over to the launchers.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/cryoclim/hrwsi/products"
	"github.com/cryoclim/hrwsi/store"
)

var tasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hrwsi_processing_tasks_total",
	Help: "Processing tasks created, by triggering condition.",
}, []string{"rule"})

// Orchestrator runs one task-creation service instance.
type Orchestrator struct {
	Store *store.Store

	// Now is a clock override for tests.
	Now func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

// Run listens for raw2valid insertions until ctx is cancelled. Edges whose
// validation gained no task while the service was down are replayed first.
func (o *Orchestrator) Run(ctx context.Context) error {
	listener, err := o.Store.Listen(ctx, store.ChannelRaw2Valid)
	if err != nil {
		return err
	}
	defer listener.Close()

	pending, err := o.Store.UnorchestratedEdges(ctx)
	if err != nil {
		return err
	}
	for _, ev := range pending {
		if err := o.HandleEdge(ctx, ev); err != nil {
			log.WithError(err).WithField("validation", ev.TriggerValidationID).Error("replaying edge failed")
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
		ev, err := store.DecodeRaw2ValidEvent(n.Payload)
		if err != nil {
			log.WithError(err).Warn("discarding malformed raw2valid notification")
			continue
		}
		if err := o.HandleEdge(ctx, ev); err != nil {
			log.WithError(err).WithField("validation", ev.TriggerValidationID).Error("creating task failed")
		}
	}
}

// HandleEdge creates the task of the edge's validation, once. A validation
// with several inputs raises one edge notification per input; every one past
// the first is a no-op.
func (o *Orchestrator) HandleEdge(ctx context.Context, ev store.Raw2ValidEvent) error {
	exists, err := o.Store.TaskExistsForValidation(ctx, ev.TriggerValidationID)
	if err != nil {
		return err
	}
	if exists {
		log.WithField("validation", ev.TriggerValidationID).Debug("task already exists")
		return nil
	}

	tc, artificial, err := o.Store.ValidationRule(ctx, ev.TriggerValidationID)
	if err != nil {
		return err
	}
	err = o.Store.InsertProcessingTask(ctx, ev.TriggerValidationID, o.now(), processingDay(tc, artificial))
	if errors.Is(err, store.ErrConflict) {
		log.WithField("validation", ev.TriggerValidationID).Debug("task already exists")
		return nil
	}
	if err != nil {
		return err
	}
	tasksCreated.WithLabelValues(tc).Inc()
	log.WithFields(log.Fields{
		"rule":       tc,
		"validation": ev.TriggerValidationID,
	}).Info("processing task created")
	return nil
}

// processingDay pins aggregation tasks to their artificial measurement day.
// Every other rule processes at dispatch time and carries no date.
func processingDay(tc string, artificial *products.Day) *products.Day {
	if tc == products.TCGFSC {
		return artificial
	}
	return nil
}
