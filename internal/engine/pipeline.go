package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/lazypower/signalcore/internal/store"
)

type stage int

const (
	stageScore stage = iota
	stageRoute
	stageExport
)

func (s stage) String() string {
	switch s {
	case stageScore:
		return "score"
	case stageRoute:
		return "route"
	case stageExport:
		return "export"
	}
	return "unknown"
}

// pipelineRun holds the queues and workers of a started pipeline.
type pipelineRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	queues [3]chan string
}

// Start launches the stage worker pools and a recovery sweep that re-enqueues
// signals left mid-pipeline by a previous run.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != nil {
		return fmt.Errorf("pipeline already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	run := &pipelineRun{ctx: gctx, cancel: cancel, group: g}
	for i := range run.queues {
		run.queues[i] = make(chan string, e.cfg.Pipeline.QueueSize)
	}

	w := e.cfg.Pipeline.Workers
	e.spawn(run, stageScore, w.Score, e.processScore)
	e.spawn(run, stageRoute, w.Route, e.processRoute)
	e.spawn(run, stageExport, w.Export, e.processExport)
	e.run = run

	g.Go(func() error {
		e.recoverSweep(gctx)
		return nil
	})

	e.logger("pipeline").Info("pipeline started",
		"score_workers", w.Score, "route_workers", w.Route, "export_workers", w.Export,
		"queue_size", e.cfg.Pipeline.QueueSize)
	return nil
}

// Stop cancels the workers and waits for them to exit. Queued ids are
// dropped; their signals are persisted and recovered by the next Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	run := e.run
	e.run = nil
	e.mu.Unlock()
	if run == nil {
		return
	}
	run.cancel()
	run.group.Wait()
	e.logger("pipeline").Info("pipeline stopped")
}

// Running reports whether the worker pools are active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run != nil
}

// QueueDepths returns the number of ids waiting per stage.
func (e *Engine) QueueDepths() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	depths := map[string]int{}
	if e.run == nil {
		return depths
	}
	for i, q := range e.run.queues {
		depths[stage(i).String()] = len(q)
	}
	return depths
}

func (e *Engine) spawn(run *pipelineRun, st stage, n int, process func(context.Context, string)) {
	q := run.queues[st]
	for i := 0; i < n; i++ {
		run.group.Go(func() error {
			for {
				select {
				case <-run.ctx.Done():
					return nil
				case id := <-q:
					process(run.ctx, id)
				}
			}
		})
	}
}

// enqueue hands id to a stage. It blocks while the queue is full and is a
// no-op when the pipeline is not running.
func (e *Engine) enqueue(ctx context.Context, st stage, id string) error {
	e.mu.Lock()
	run := e.run
	e.mu.Unlock()
	if run == nil {
		return nil
	}
	select {
	case run.queues[st] <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-run.ctx.Done():
		return run.ctx.Err()
	}
}

func (e *Engine) processScore(ctx context.Context, id string) {
	log := e.logger("scoring").With("id", id)
	_, err := e.Score(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
		case IsValidation(err), errors.Is(err, store.ErrConflict):
			log.Debug("skipping signal", "err", err)
		case IsTerminal(err):
			// Recorded on the signal already.
		default:
			log.Error("score", "err", err)
		}
		return
	}

	if e.cfg.Pipeline.AutoMap {
		if _, _, err := e.AutoMap(ctx, id); err != nil {
			log.Warn("auto map", "err", err)
		}
	}
	if e.cfg.Pipeline.AutoEvaluate {
		if _, err := e.Evaluate(ctx, id); err != nil {
			log.Warn("evaluate", "err", err)
		}
	}
	if e.cfg.Pipeline.DefaultDestination != "" {
		if err := e.enqueue(ctx, stageRoute, id); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("enqueue for routing", "err", err)
		}
	}
}

func (e *Engine) processRoute(ctx context.Context, id string) {
	dest := e.cfg.Pipeline.DefaultDestination
	if dest == "" {
		return
	}
	for _, res := range e.Route(ctx, []string{id}, dest) {
		if res.Error != "" && ctx.Err() == nil {
			e.logger("router").Debug("auto route", "id", id, "destination", dest, "err", res.Error)
		}
	}
}

func (e *Engine) processExport(ctx context.Context, id string) {
	res, err := e.exportAuto(ctx, id)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger("export").Debug("export skipped", "id", id, "err", err)
		}
		return
	}
	if res.ExportStatus == store.ExportFailed {
		e.logger("export").Warn("export needs operator action", "id", id, "reason", res.Error)
	}
}

// recoverSweep re-enqueues signals a previous run left mid-pipeline.
func (e *Engine) recoverSweep(ctx context.Context) {
	log := e.logger("pipeline")
	sweep := func(st stage, status, exportStatus string) {
		ids, err := e.DB.SignalIDsByStatus(ctx, status, exportStatus)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("recovery sweep", "status", status, "err", err)
			}
			return
		}
		for _, id := range ids {
			if err := e.enqueue(ctx, st, id); err != nil {
				return
			}
		}
		if len(ids) > 0 {
			log.Info("recovered signals", "stage", st.String(), "status", status, "count", len(ids))
		}
	}

	sweep(stageScore, store.StatusNew, "")
	if e.cfg.Pipeline.DefaultDestination != "" {
		sweep(stageRoute, store.StatusScored, "")
		sweep(stageRoute, store.StatusMapped, "")
	}
	if e.cfg.Pipeline.AutoExport {
		sweep(stageExport, store.StatusRouted, store.ExportUnexported)
	}
}
