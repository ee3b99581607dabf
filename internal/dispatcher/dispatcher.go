// Package dispatcher runs the periodic jobs that drive the queue: claim
// and dispatch, fill, and garbage collection.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harvestq/harvestq/internal/metrics"
	"github.com/harvestq/harvestq/internal/queue"
)

// EntryHandler processes one claimed queue entry to completion.
type EntryHandler interface {
	Handle(ctx context.Context, entryID int64)
}

// Config holds the dispatcher cadence and pool bounds.
type Config struct {
	PoolSize        int
	PrepareInterval time.Duration
	FillInterval    time.Duration
	GCInterval      time.Duration
	AncientDepth    time.Duration
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 12
	}
	if c.PrepareInterval <= 0 {
		c.PrepareInterval = 200 * time.Millisecond
	}
	if c.FillInterval <= 0 {
		c.FillInterval = 30 * time.Second
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 120 * time.Second
	}
	if c.AncientDepth <= 0 {
		c.AncientDepth = 120 * time.Second
	}
}

// Dispatcher owns a bounded worker pool and three tickers. Each claimed
// entry becomes one job executed on one worker to completion.
type Dispatcher struct {
	queue   *queue.Manager
	handler EntryHandler
	cfg     Config
	log     zerolog.Logger

	jobs chan int64
	wg   sync.WaitGroup
}

func New(q *queue.Manager, h EntryHandler, cfg Config, log zerolog.Logger) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		queue:   q,
		handler: h,
		cfg:     cfg,
		log:     log,
		jobs:    make(chan int64, cfg.PoolSize*2),
	}
}

// Run truncates stale claims, starts the worker pool and blocks until
// ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.queue.Truncate(ctx); err != nil {
		return err
	}
	d.log.Info().
		Int("pool", d.cfg.PoolSize).
		Dur("prepare", d.cfg.PrepareInterval).
		Dur("fill", d.cfg.FillInterval).
		Dur("gc", d.cfg.GCInterval).
		Msg("dispatcher starting")

	for i := 0; i < d.cfg.PoolSize; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	prepare := time.NewTicker(d.cfg.PrepareInterval)
	fill := time.NewTicker(d.cfg.FillInterval)
	gc := time.NewTicker(d.cfg.GCInterval)
	defer prepare.Stop()
	defer fill.Stop()
	defer gc.Stop()

	for {
		select {
		case <-ctx.Done():
			close(d.jobs)
			d.wg.Wait()
			d.log.Info().Msg("dispatcher stopping")
			return ctx.Err()
		case <-prepare.C:
			d.prepare(ctx)
		case <-fill.C:
			d.fill(ctx)
		case <-gc.C:
			d.deleteAncient(ctx)
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for id := range d.jobs {
		d.handler.Handle(ctx, id)
	}
}

// prepare claims the current window and hands each entry to the pool.
func (d *Dispatcher) prepare(ctx context.Context) {
	entries, err := d.queue.NextEntries(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("claim failed")
		return
	}
	if len(entries) == 0 {
		return
	}
	metrics.EntriesClaimed.Add(float64(len(entries)))
	for _, e := range entries {
		select {
		case d.jobs <- e.ID:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) fill(ctx context.Context) {
	n, err := d.queue.Fill(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("fill failed")
		return
	}
	if n > 0 {
		metrics.QueueFilled.Add(float64(n))
		d.log.Info().Int64("rows", n).Msg("queue filled")
	}
}

func (d *Dispatcher) deleteAncient(ctx context.Context) {
	n, err := d.queue.DeleteAncient(ctx, d.cfg.AncientDepth)
	if err != nil {
		d.log.Error().Err(err).Msg("delete ancient failed")
		return
	}
	if n > 0 {
		metrics.AncientDeleted.Add(float64(n))
		d.log.Info().Int64("rows", n).Msg("ancient entries pruned")
	}
}
