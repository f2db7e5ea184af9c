// Package pipeline runs the engine's long-lived background loops.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Task is one long-running loop. It should return when ctx is cancelled.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Orchestrator runs a set of tasks together. The first task to fail
// cancels the rest.
type Orchestrator struct {
	tasks  []Task
	logger *slog.Logger
}

// NewOrchestrator creates an empty Orchestrator.
func NewOrchestrator(logger *slog.Logger) *Orchestrator {
	return &Orchestrator{logger: logger.With(slog.String("component", "orchestrator"))}
}

// Add registers a task. It must be called before Run.
func (o *Orchestrator) Add(name string, run func(ctx context.Context) error) {
	o.tasks = append(o.tasks, Task{Name: name, Run: run})
}

// Len reports how many tasks are registered.
func (o *Orchestrator) Len() int { return len(o.tasks) }

// Run starts every task and blocks until all have returned. Errors after
// ctx is cancelled count as a clean shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator starting", slog.Int("tasks", len(o.tasks)))

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range o.tasks {
		g.Go(func() error {
			o.logger.Info("task starting", slog.String("task", t.Name))
			err := t.Run(gctx)
			if gctx.Err() != nil {
				return nil
			}
			if err == nil {
				o.logger.Info("task finished", slog.String("task", t.Name))
				return nil
			}
			return fmt.Errorf("%s: %w", t.Name, err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("orchestrator stopped cleanly")
	return nil
}
