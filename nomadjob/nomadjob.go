// Package nomadjob wraps the Nomad API for the launcher: HCL submission,
// allocation discovery and status mapping.
package nomadjob

import (
	"context"
	"fmt"
	"time"

	nomadapi "github.com/hashicorp/nomad/api"
	log "github.com/sirupsen/logrus"

	"github.com/cryoclim/hrwsi/products"
)

// Client submits and inspects batch jobs. Safe for concurrent use.
type Client struct {
	api      *nomadapi.Client
	pollWait time.Duration
}

// NewClient connects to the Nomad server at addr (e.g. "http://nomad:4646"),
// authenticating with token.
func NewClient(addr, token string) (*Client, error) {
	cfg := nomadapi.DefaultConfig()
	cfg.Address = addr
	cfg.SecretID = token

	api, err := nomadapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("building nomad client: %w", err)
	}
	return &Client{api: api, pollWait: 2 * time.Second}, nil
}

// Submit parses the rendered HCL and registers the job. It returns the
// evaluation id of the registration.
func (c *Client) Submit(ctx context.Context, hcl string) (string, error) {
	job, err := c.api.Jobs().ParseHCL(hcl, true)
	if err != nil {
		return "", fmt.Errorf("parsing job specification: %w", err)
	}
	resp, _, err := c.api.Jobs().Register(job, (&nomadapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("registering job: %w", err)
	}
	if resp.EvalID == "" {
		return "", fmt.Errorf("registration of %q produced no evaluation", *job.ID)
	}
	return resp.EvalID, nil
}

// AwaitAllocation polls the job until an allocation reaches running or
// pending, and returns that allocation's id. The caller bounds the wait
// through ctx.
func (c *Client) AwaitAllocation(ctx context.Context, jobName string) (string, error) {
	q := (&nomadapi.QueryOptions{}).WithContext(ctx)
	for {
		allocs, _, err := c.api.Jobs().Allocations(jobName, false, q)
		if err != nil {
			return "", fmt.Errorf("listing allocations of %s: %w", jobName, err)
		}
		for _, alloc := range allocs {
			if alloc.ClientStatus == "running" || alloc.ClientStatus == "pending" {
				return alloc.ID, nil
			}
		}
		log.WithField("job", jobName).Debug("no live allocation yet")
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for allocation of %s: %w", jobName, ctx.Err())
		case <-time.After(c.pollWait):
		}
	}
}

// JobState is the observed state of a submitted job.
type JobState struct {
	Status     products.Status
	SubmitTime time.Time
}

// AllocationState reads the job status behind an allocation and maps it onto
// the internal status enum. When Nomad reports no submit time the current
// time is used.
func (c *Client) AllocationState(ctx context.Context, allocID string) (JobState, error) {
	alloc, _, err := c.api.Allocations().Info(allocID, (&nomadapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return JobState{}, fmt.Errorf("reading allocation %s: %w", allocID, err)
	}

	state := JobState{Status: products.StatusInternalError, SubmitTime: time.Now().UTC()}
	if alloc.Job == nil {
		return state, nil
	}
	if alloc.Job.Status != nil {
		state.Status = products.StatusFromNomad(*alloc.Job.Status)
	}
	if alloc.Job.SubmitTime != nil {
		state.SubmitTime = time.Unix(0, *alloc.Job.SubmitTime).UTC()
	}
	return state, nil
}
