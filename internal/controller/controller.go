// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package controller wires the migration tracer and one or more PMU
// samplers into a single event store. It owns the concurrency discipline
// this module picked: every producer's output is fanned into one merged
// channel via pkg/channel.Merger, and a single goroutine drains that
// channel as the store's only writer. No other code path may write to the
// store while a Controller owns it.
package controller

import (
	"context"
	"sync"

	"github.com/antimetal/threveal/pkg/channel"
	"github.com/antimetal/threveal/pkg/events"
	"github.com/antimetal/threveal/pkg/eventstore"
	"github.com/antimetal/threveal/pkg/sampler"
	"github.com/antimetal/threveal/pkg/topology"
	"github.com/antimetal/threveal/pkg/tracer"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// Record is the tagged union flowing through the merged channel: every
// value carries exactly one of the two producer event types.
type Record struct {
	Migration *events.MigrationEvent
	PmuSample *events.PmuSample
}

// Controller owns a topology map, a migration tracer, zero or more PMU
// samplers, and the event store they feed. Construct with New, attach
// producers with AddSampler before Start, then call Start once.
type Controller struct {
	logger logr.Logger
	runID  uuid.UUID

	topo     *topology.Map
	tracer   *tracer.Tracer
	store    *eventstore.Store
	samplers []*sampler.Sampler

	merger *channel.Merger[Record]

	mu         sync.Mutex
	running    bool
	wg         sync.WaitGroup
	tracerStop chan struct{}
	tracerDone chan struct{}
}

// tracerPollIntervalMs bounds every Poll call the poll loop makes, so Stop's
// cancellation is noticed promptly instead of waiting on an idle ring
// buffer, and so Poll never runs for long enough to meaningfully delay
// Detach once Stop asks the loop to exit.
const tracerPollIntervalMs = 100

// tracerRecordBuffer sizes the channel the poll loop forwards decoded
// migrations through on their way into the merger, matching the buffering
// the sampler side gets from sampler.DefaultChannelSize.
const tracerRecordBuffer = 256

// New builds a Controller around an already-discovered topology map and
// migration tracer, writing into store. The topology map is kept only to
// make it available to callers correlating migrations post-hoc; the store
// itself records raw events and leaves classification to events.ClassifyMigration.
func New(logger logr.Logger, topo *topology.Map, t *tracer.Tracer, store *eventstore.Store) (*Controller, error) {
	runID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	return &Controller{
		logger: logger,
		runID:  runID,
		topo:   topo,
		tracer: t,
		store:  store,
	}, nil
}

// RunID returns the UUIDv7 identifying this controller's run, for
// correlating a run's migrations and samples when a caller logs several
// runs side by side.
func (c *Controller) RunID() uuid.UUID { return c.runID }

// AddSampler registers a sampler whose output will be fanned into the
// store once Start is called. Must be called before Start.
func (c *Controller) AddSampler(s *sampler.Sampler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samplers = append(c.samplers, s)
}

// Start attaches the migration tracer, starts every registered sampler,
// merges their output, and begins draining the merge into the store.
// Returns once every producer has been started.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	if err := c.tracer.Attach(); err != nil {
		return err
	}

	migrationRecords := make(chan Record, tracerRecordBuffer)
	c.tracerStop = make(chan struct{})
	c.tracerDone = make(chan struct{})
	go c.tracerPollLoop(ctx, migrationRecords)

	inputs := []<-chan Record{migrationRecords}

	for _, s := range c.samplers {
		samples, err := s.Start(ctx)
		if err != nil {
			close(c.tracerStop)
			<-c.tracerDone
			c.tracer.Detach()
			return err
		}
		inputs = append(inputs, forwardSamples(samples))
	}

	c.merger = channel.NewMerger(inputs...)
	c.running = true

	c.wg.Add(1)
	go c.writeLoop()

	return nil
}

// tracerPollLoop is the poller: the one goroutine that ever calls Poll on
// the controller's tracer, reentering it on its own thread until told to
// stop. It never runs concurrently with Attach or Detach on that tracer -
// Stop waits for this loop to exit before calling Detach.
func (c *Controller) tracerPollLoop(ctx context.Context, out chan<- Record) {
	defer close(c.tracerDone)
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.tracerStop:
			return
		default:
		}

		_, err := c.tracer.Poll(tracerPollIntervalMs, func(e events.MigrationEvent) {
			out <- Record{Migration: &e}
		})
		if err != nil {
			c.logger.Error(err, "polling migration tracer")
			return
		}
	}
}

// writeLoop is the store's sole writer: it drains the merged channel and
// applies each record, with no locking around the store itself.
func (c *Controller) writeLoop() {
	defer c.wg.Done()

	for rec := range c.merger.Out() {
		switch {
		case rec.Migration != nil:
			c.store.AddMigration(*rec.Migration)
		case rec.PmuSample != nil:
			c.store.AddPmuSample(*rec.PmuSample)
		}
	}
}

func forwardSamples(in <-chan events.PmuSample) <-chan Record {
	out := make(chan Record, cap(in))
	go func() {
		defer close(out)
		for s := range in {
			s := s
			out <- Record{PmuSample: &s}
		}
	}()
	return out
}

// Stop stops every producer and waits for the write loop to drain and
// exit. Safe to call once; calling it again is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.tracerStop)
	c.mu.Unlock()

	// Wait for the poll loop to actually return before detaching: Poll must
	// never run concurrently with Detach on the same tracer.
	<-c.tracerDone
	c.tracer.Detach()

	for _, s := range c.samplers {
		s.Stop()
	}

	c.merger.Close()
	c.wg.Wait()
}
